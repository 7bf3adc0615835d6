package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/hcl"
	"github.com/oarkflow/shield/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	case "lint-hcl":
		handleLintHCL()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("shield-config - Configuration tool for shield")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  shield-config convert <input> <output>  - Convert between formats")
	fmt.Println("  shield-config validate <file>           - Validate configuration")
	fmt.Println("  shield-config stats <file>              - Show configuration statistics")
	fmt.Println("  shield-config apply <file>              - Apply configuration to an engine")
	fmt.Println("  shield-config lint-hcl <file>           - Check an HCL policy file")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: shield-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	loader := shield.NewConfigLoader()
	cfg, err := loader.LoadFile(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: shield-config validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	loader := shield.NewConfigLoader()
	cfg, err := loader.LoadFile(filename)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Principals: %d\n", len(cfg.Principals))
	fmt.Printf("  Roles: %d\n", len(cfg.Roles))
	fmt.Printf("  Policies: %d\n", len(cfg.Policies))
	fmt.Printf("  Context policies: %d\n", len(cfg.ContextPolicies))
	fmt.Printf("  Column rules: %d\n", len(cfg.ColumnRules))
	fmt.Printf("  Flow definitions: %d\n", len(cfg.FlowDefinitions))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: shield-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	loader := shield.NewConfigLoader()
	cfg, err := loader.LoadFile(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Principals:       %d\n", len(cfg.Principals))
	fmt.Printf("  Roles:            %d\n", len(cfg.Roles))
	fmt.Printf("  Policies:         %d\n", len(cfg.Policies))
	fmt.Printf("  Context policies: %d\n", len(cfg.ContextPolicies))
	fmt.Printf("  Column rules:     %d\n", len(cfg.ColumnRules))
	fmt.Printf("  Flow definitions: %d\n", len(cfg.FlowDefinitions))
	fmt.Println()

	if len(cfg.Policies) > 0 {
		byKind := map[shield.PolicyKind]int{}
		allowCount := 0
		denyCount := 0
		for _, p := range cfg.Policies {
			byKind[p.Kind]++
			if p.Effect == shield.EffectAllow {
				allowCount++
			} else {
				denyCount++
			}
		}
		fmt.Println("Policy Details:")
		fmt.Printf("  Allow policies: %d\n", allowCount)
		fmt.Printf("  Deny policies:  %d\n", denyCount)
		for kind, n := range byKind {
			fmt.Printf("  %-6s policies: %d\n", kind, n)
		}
		fmt.Println()
	}

	if len(cfg.Roles) > 0 {
		totalPerms := 0
		for _, r := range cfg.Roles {
			totalPerms += len(r.Permissions)
		}
		fmt.Println("Role Details:")
		fmt.Printf("  Total permissions: %d\n", totalPerms)
		fmt.Printf("  Avg per role:      %.1f\n", float64(totalPerms)/float64(len(cfg.Roles)))
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Decision cache TTL:     %dms\n", cfg.Engine.DecisionCacheTTL)
	fmt.Printf("  Ristretto num counters: %d\n", cfg.Engine.RistrettoNumCounter)
	fmt.Printf("  Ristretto max cost:     %d\n", cfg.Engine.RistrettoMaxCost)
}

func handleApply() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: shield-config apply <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	loader := shield.NewConfigLoader()
	cfg, err := loader.LoadFile(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	engine, err := shield.NewEngine(
		stores.NewMemoryPolicyStore(),
		stores.NewMemoryIdentityStore(),
		stores.NewMemoryResourceStore(),
	)
	if err != nil {
		fmt.Printf("Error creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Policies loaded: %d\n", len(cfg.Policies))
	fmt.Printf("  Roles loaded: %d\n", len(cfg.Roles))
	fmt.Printf("  Column rules loaded: %d\n", len(cfg.ColumnRules))
}

func handleLintHCL() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: shield-config lint-hcl <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	data, err := os.ReadFile(filename)
	if err != nil {
		fmt.Printf("Error reading file: %v\n", err)
		os.Exit(1)
	}

	policy, err := hcl.Parse(string(data))
	if err != nil {
		fmt.Printf("HCL policy invalid: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("HCL policy is valid\n")
	fmt.Printf("  Path rules: %d\n", len(policy.Paths))
	for _, rule := range policy.Paths {
		fmt.Printf("  %-40s %s\n", rule.Pattern, strings.Join(rule.Capabilities, ", "))
	}
}

func saveConfig(cfg *shield.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
