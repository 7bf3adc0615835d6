package shield

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/shield/logger"
)

// SignedPolicyBundle carries a policy set with one detached ed25519
// signature per policy, keyed by policy ID.
type SignedPolicyBundle struct {
	Policies   []*Policy         `json:"policies"`
	Signatures map[string]string `json:"signatures"`
	Meta       map[string]any    `json:"meta,omitempty"`
}

// SignPolicy returns a base64 ed25519 signature over the policy ID and checksum
func SignPolicy(priv ed25519.PrivateKey, p *Policy) (string, error) {
	data, err := json.Marshal(struct {
		ID       string
		Checksum string
	}{
		ID:       p.ID,
		Checksum: p.Checksum(),
	})
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyPolicySignature checks a signature against the policy's current checksum
func VerifyPolicySignature(pub ed25519.PublicKey, p *Policy, sigB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(struct {
		ID       string
		Checksum string
	}{
		ID:       p.ID,
		Checksum: p.Checksum(),
	})
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// SignBundle signs each policy with priv and returns a SignedPolicyBundle
func SignBundle(priv ed25519.PrivateKey, policies []*Policy) (*SignedPolicyBundle, error) {
	b := &SignedPolicyBundle{Policies: policies, Signatures: make(map[string]string)}
	for _, p := range policies {
		s, err := SignPolicy(priv, p)
		if err != nil {
			return nil, err
		}
		b.Signatures[p.ID] = s
	}
	return b, nil
}

// VerifyBundle verifies every policy signature with the given public key
func VerifyBundle(pub ed25519.PublicKey, b *SignedPolicyBundle) (bool, error) {
	for _, p := range b.Policies {
		sig, ok := b.Signatures[p.ID]
		if !ok {
			return false, fmt.Errorf("missing signature for policy %s", p.ID)
		}
		okv, err := VerifyPolicySignature(pub, p, sig)
		if err != nil {
			return false, fmt.Errorf("bad signature for policy %s: %v", p.ID, err)
		}
		if !okv {
			return false, fmt.Errorf("bad signature for policy %s", p.ID)
		}
	}
	return true, nil
}

// ApplySignedBundle verifies and installs a full policy bundle. Every policy
// is validated before any is written; a bad policy rejects the whole bundle.
func (e *Engine) ApplySignedBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error {
	ok, err := VerifyBundle(pub, bundle)
	if err != nil || !ok {
		return fmt.Errorf("bundle verification failed: %v", err)
	}
	for _, p := range bundle.Policies {
		if err := e.ValidatePolicy(p); err != nil {
			return fmt.Errorf("invalid policy %s: %v", p.ID, err)
		}
	}
	for _, p := range bundle.Policies {
		if err := e.policies.CreatePolicy(ctx, p); err != nil {
			if uerr := e.policies.UpdatePolicy(ctx, p); uerr != nil {
				return fmt.Errorf("apply policy %s: %v", p.ID, uerr)
			}
		}
	}
	e.InvalidateDecisionCache()
	return nil
}

// BundleSubscriber receives freshly signed policy bundles
type BundleSubscriber interface {
	OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error
}

type BundleSubscriberFunc func(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error

func (f BundleSubscriberFunc) OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error {
	return f(ctx, pub, bundle)
}

// PolicyBundleDistributor signs the active policy set and pushes it to
// subscribers whenever a change is notified. The signing key rotates on a
// timer.
type PolicyBundleDistributor struct {
	policyStore      PolicyStore
	pub              ed25519.PublicKey
	priv             ed25519.PrivateKey
	rotationInterval time.Duration
	notifyCh         chan struct{}
	stopCh           chan struct{}
	subscribers      []BundleSubscriber
	log              logger.Logger
	mu               sync.RWMutex
	started          bool
	wg               sync.WaitGroup
}

type PolicyBundleDistributorOption func(*PolicyBundleDistributor)

func WithBundleSigningKey(priv ed25519.PrivateKey) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if priv != nil && len(priv) == ed25519.PrivateKeySize {
			d.priv = append(ed25519.PrivateKey{}, priv...)
			d.pub = priv.Public().(ed25519.PublicKey)
		}
	}
}

func WithBundleRotationInterval(interval time.Duration) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if interval > 0 {
			d.rotationInterval = interval
		}
	}
}

func WithBundleLogger(l logger.Logger) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if l != nil {
			d.log = l
		}
	}
}

func NewPolicyBundleDistributor(store PolicyStore, opts ...PolicyBundleDistributorOption) (*PolicyBundleDistributor, error) {
	if store == nil {
		return nil, fmt.Errorf("policy store is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	dist := &PolicyBundleDistributor{
		policyStore:      store,
		priv:             priv,
		pub:              pub,
		rotationInterval: 24 * time.Hour,
		notifyCh:         make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
		log:              logger.NewPhusluLogger(),
	}
	for _, opt := range opts {
		opt(dist)
	}
	return dist, nil
}

func (d *PolicyBundleDistributor) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-d.notifyCh:
				if err := d.distribute(ctx); err != nil {
					d.log.Error("bundle distribution failed", "error", err)
				}
			case <-ticker.C:
				if err := d.RotateSigningKey(); err != nil {
					d.log.Error("bundle key rotation failed", "error", err)
				}
			}
		}
	}()
}

func (d *PolicyBundleDistributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyPolicyChange coalesces pending notifications into one distribution
func (d *PolicyBundleDistributor) NotifyPolicyChange() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

func (d *PolicyBundleDistributor) RegisterSubscriber(sub BundleSubscriber) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, sub)
}

func (d *PolicyBundleDistributor) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.priv = priv
	d.pub = pub
	d.mu.Unlock()
	return nil
}

func (d *PolicyBundleDistributor) CurrentPublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

func (d *PolicyBundleDistributor) distribute(ctx context.Context) error {
	policies, err := d.policyStore.ListActivePolicies(ctx)
	if err != nil {
		return err
	}
	d.mu.RLock()
	priv := d.priv
	pub := append(ed25519.PublicKey(nil), d.pub...)
	subs := append([]BundleSubscriber(nil), d.subscribers...)
	d.mu.RUnlock()

	bundle, err := SignBundle(priv, policies)
	if err != nil {
		return err
	}
	bundle.Meta = map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
		"signing_key":  base64.StdEncoding.EncodeToString(pub),
	}
	for _, sub := range subs {
		if err := sub.OnBundle(ctx, pub, bundle); err != nil {
			d.log.Error("bundle subscriber error", "error", err)
		}
	}
	return nil
}
