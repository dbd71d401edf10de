package vitalsguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// KeyFile is the on-disk layout of the key registry.
type KeyFile struct {
	Tenants []TenantSpec      `yaml:"tenants" validate:"dive"`
	Devices map[string]string `yaml:"devices"`
}

type TenantSpec struct {
	ID            string   `yaml:"id" validate:"required"`
	APIKeys       []string `yaml:"apiKeys" validate:"required,min=1,dive,required"`
	HMACSecret    string   `yaml:"hmacSecret"`
	AEADKey       string   `yaml:"aeadKey"`
	KeyDerivation string   `yaml:"keyDerivation" validate:"omitempty,oneof=raw pad hkdf"`
	IntegrityKey  string   `yaml:"integrityKey"`
}

type keySet struct {
	tenants  []*Tenant
	byAPIKey map[string]*Tenant
	devices  map[string][]byte
}

// KeyRegistry resolves tenant and device secrets. The active key set is
// swapped atomically, so lookups never block on a reload.
type KeyRegistry struct {
	path    string
	current atomic.Pointer[keySet]
	logger  *zap.Logger
	metrics MetricsCollector

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ KeyResolver = (*KeyRegistry)(nil)

// LoadKeyRegistry reads path and returns a registry serving its keys.
func LoadKeyRegistry(path string, logger *zap.Logger, metrics MetricsCollector) (*KeyRegistry, error) {
	r := &KeyRegistry{path: path, logger: orNop(logger), metrics: orNopMetrics(metrics)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticKeyRegistry serves a fixed key set.
func NewStaticKeyRegistry(tenants []*Tenant, devices map[string][]byte) (*KeyRegistry, error) {
	ks, err := newKeySet(tenants, devices)
	if err != nil {
		return nil, err
	}
	r := &KeyRegistry{logger: zap.NewNop(), metrics: nopMetrics{}}
	r.current.Store(ks)
	return r, nil
}

func newKeySet(tenants []*Tenant, devices map[string][]byte) (*keySet, error) {
	ks := &keySet{
		tenants:  tenants,
		byAPIKey: make(map[string]*Tenant),
		devices:  make(map[string][]byte, len(devices)),
	}
	for _, t := range tenants {
		for _, k := range t.APIKeys {
			if other, dup := ks.byAPIKey[k]; dup {
				return nil, fmt.Errorf("api key of tenant %q already issued to %q", t.ID, other.ID)
			}
			ks.byAPIKey[k] = t
		}
	}
	for id, secret := range devices {
		ks.devices[id] = secret
	}
	return ks, nil
}

func (r *KeyRegistry) TenantByAPIKey(apiKey string) (*Tenant, bool) {
	if apiKey == "" {
		return nil, false
	}
	t, ok := r.current.Load().byAPIKey[apiKey]
	return t, ok
}

func (r *KeyRegistry) DeviceSecret(deviceID string) ([]byte, bool) {
	s, ok := r.current.Load().devices[deviceID]
	return s, ok
}

func (r *KeyRegistry) Tenants() []*Tenant { return r.current.Load().tenants }

func (r *KeyRegistry) DeviceCount() int { return len(r.current.Load().devices) }

// Reload re-reads the key file. On error the previous key set stays active.
func (r *KeyRegistry) Reload() error {
	if r.path == "" {
		return errors.New("key registry has no backing file")
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		r.metrics.IncrementCounter(MetricRegistryReload, map[string]string{"result": "error"})
		return fmt.Errorf("read key file: %w", err)
	}
	ks, err := parseKeyFile(data)
	if err != nil {
		r.metrics.IncrementCounter(MetricRegistryReload, map[string]string{"result": "error"})
		return fmt.Errorf("key file %s: %w", r.path, err)
	}
	r.current.Store(ks)
	r.metrics.IncrementCounter(MetricRegistryReload, map[string]string{"result": "ok"})
	r.logger.Info("key registry loaded",
		zap.String("path", r.path),
		zap.Int("tenants", len(ks.tenants)),
		zap.Int("devices", len(ks.devices)))
	return nil
}

// parseKeyFile decodes and validates a YAML key file.
func parseKeyFile(data []byte) (*keySet, error) {
	var kf KeyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := validate.Struct(&kf); err != nil {
		return nil, fmt.Errorf("validate: %s", describeValidation(err))
	}
	tenants := make([]*Tenant, 0, len(kf.Tenants))
	for _, spec := range kf.Tenants {
		t, err := spec.build()
		if err != nil {
			return nil, fmt.Errorf("tenant %q: %w", spec.ID, err)
		}
		tenants = append(tenants, t)
	}
	devices := make(map[string][]byte, len(kf.Devices))
	for id, v := range kf.Devices {
		secret, err := resolveSecret(v)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", id, err)
		}
		if secret == "" {
			return nil, fmt.Errorf("device %q: empty secret", id)
		}
		devices[id] = []byte(secret)
	}
	return newKeySet(tenants, devices)
}

func (spec TenantSpec) build() (*Tenant, error) {
	t := &Tenant{ID: spec.ID, APIKeys: spec.APIKeys}
	hmacSecret, err := resolveSecret(spec.HMACSecret)
	if err != nil {
		return nil, err
	}
	t.HMACSecret = []byte(hmacSecret)

	material, err := resolveSecret(spec.AEADKey)
	if err != nil {
		return nil, err
	}
	if material != "" {
		if t.AEADKey, err = DeriveAEADKey(spec.KeyDerivation, material); err != nil {
			return nil, err
		}
	}
	integrity, err := resolveSecret(spec.IntegrityKey)
	if err != nil {
		return nil, err
	}
	t.IntegrityKey = []byte(integrity)

	if len(t.HMACSecret) == 0 && len(t.AEADKey) == 0 {
		return nil, errors.New("needs an hmacSecret or an aeadKey")
	}
	return t, nil
}

// resolveSecret expands "env:NAME" to the value of that variable.
func resolveSecret(v string) (string, error) {
	name, ok := strings.CutPrefix(v, "env:")
	if !ok {
		return v, nil
	}
	val, set := os.LookupEnv(name)
	if !set || val == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return val, nil
}

// Watch reloads the registry whenever the key file changes. The directory
// is watched rather than the file so editors that replace the file on save
// are picked up.
func (r *KeyRegistry) Watch(ctx context.Context) error {
	if r.path == "" {
		return errors.New("key registry has no backing file")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", r.path, err)
	}
	r.watcher = w
	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.watchLoop(ctx, w, r.done)
	return nil
}

func (r *KeyRegistry) watchLoop(ctx context.Context, w *fsnotify.Watcher, done <-chan struct{}) {
	defer r.wg.Done()
	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Error("key registry reload failed, keeping previous keys", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Error("key registry watcher error", zap.Error(err))
		}
	}
}

// StopWatcher stops a watcher started by Watch.
func (r *KeyRegistry) StopWatcher() error {
	r.mu.Lock()
	w := r.watcher
	if w == nil {
		r.mu.Unlock()
		return nil
	}
	r.watcher = nil
	close(r.done)
	r.mu.Unlock()
	err := w.Close()
	r.wg.Wait()
	return err
}
