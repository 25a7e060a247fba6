package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/clawd/internal/paths"
	"github.com/openclaw/clawd/internal/protocol"

	. "github.com/openclaw/clawd/internal/logging"
)

// MaxSignatureSkew bounds |signedAtMs - now| for device credentials.
const MaxSignatureSkew = 5 * time.Minute

// DeviceRecord is one paired device in devices.json.
type DeviceRecord struct {
	DeviceID    string   `json:"deviceId"`
	ClientID    string   `json:"clientId,omitempty"`
	PublicKey   string   `json:"publicKey"` // base64 raw ed25519
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes,omitempty"`
	CreatedAtMs int64    `json:"createdAtMs"`
	LastSeenMs  int64    `json:"lastSeenMs,omitempty"`
}

type deviceFile struct {
	Version int             `json:"version"`
	Devices []*DeviceRecord `json:"devices"`
}

// DeviceRegistry persists paired device public keys.
type DeviceRegistry struct {
	path string

	mu      sync.RWMutex
	devices map[string]*DeviceRecord
}

// NewDeviceRegistry opens the registry at path, defaulting to
// <stateDir>/devices.json.
func NewDeviceRegistry(path string) *DeviceRegistry {
	if path == "" {
		path = paths.DevicesPath()
	}
	return &DeviceRegistry{path: path, devices: make(map[string]*DeviceRecord)}
}

// Load reads the registry from disk. Missing file starts empty.
func (r *DeviceRegistry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.devices = make(map[string]*DeviceRecord)
			return nil
		}
		return fmt.Errorf("failed to read devices file: %w", err)
	}

	var file deviceFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse devices file: %w", err)
	}
	r.devices = make(map[string]*DeviceRecord, len(file.Devices))
	for _, d := range file.Devices {
		if d == nil || d.DeviceID == "" {
			continue
		}
		r.devices[d.DeviceID] = d
	}
	L_debug("auth: loaded devices", "count", len(r.devices))
	return nil
}

func (r *DeviceRegistry) saveLocked() error {
	file := deviceFile{Version: 1, Devices: make([]*DeviceRecord, 0, len(r.devices))}
	for _, d := range r.devices {
		file.Devices = append(file.Devices, d)
	}
	return paths.AtomicWriteJSON(r.path, file, 0600)
}

// Register stores or replaces a device record.
func (r *DeviceRegistry) Register(rec *DeviceRecord) error {
	if rec.DeviceID == "" || rec.PublicKey == "" {
		return fmt.Errorf("deviceId and publicKey are required")
	}
	if _, err := decodePublicKey(rec.PublicKey); err != nil {
		return err
	}
	if rec.Role == "" {
		rec.Role = protocol.RoleOperator
	}
	if rec.CreatedAtMs == 0 {
		rec.CreatedAtMs = time.Now().UnixMilli()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[rec.DeviceID] = rec
	return r.saveLocked()
}

// Get returns the record for a device, or nil.
func (r *DeviceRegistry) Get(deviceID string) *DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[deviceID]
}

// Remove unpairs a device.
func (r *DeviceRegistry) Remove(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[deviceID]; !ok {
		return fmt.Errorf("device not found: %s", deviceID)
	}
	delete(r.devices, deviceID)
	return r.saveLocked()
}

// Count returns the number of paired devices.
func (r *DeviceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Verify checks a signed device credential: known device, valid
// ed25519 signature over the canonical payload, fresh timestamp, and a
// token matching the connection's challenge nonce. Returns the stored
// record on success; role and scopes come from the registry, never
// from the client's claim.
func (r *DeviceRegistry) Verify(dev *protocol.DeviceIdentity, nonce string, nowMs int64) (*DeviceRecord, error) {
	if dev == nil {
		return nil, fmt.Errorf("no device credential")
	}
	rec := r.Get(dev.DeviceID)
	if rec == nil {
		return nil, fmt.Errorf("unknown device: %s", dev.DeviceID)
	}

	if dev.Token != nonce {
		return nil, fmt.Errorf("device token does not match challenge")
	}
	skew := nowMs - dev.SignedAtMs
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxSignatureSkew.Milliseconds() {
		return nil, fmt.Errorf("device signature expired (skew %dms)", skew)
	}

	pub, err := decodePublicKey(rec.PublicKey)
	if err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(dev.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !ed25519.Verify(pub, []byte(CanonicalDevicePayload(dev)), sig) {
		return nil, fmt.Errorf("device signature verification failed")
	}

	r.mu.Lock()
	rec.LastSeenMs = nowMs
	if err := r.saveLocked(); err != nil {
		L_warn("auth: failed to persist device lastSeen", "device", dev.DeviceID, "error", err)
	}
	r.mu.Unlock()

	return rec, nil
}

// CanonicalDevicePayload is the exact byte string a device signs.
// Changing this breaks every paired device.
func CanonicalDevicePayload(dev *protocol.DeviceIdentity) string {
	return strings.Join([]string{
		"v1",
		dev.DeviceID,
		dev.ClientID,
		dev.Role,
		strings.Join(dev.Scopes, ","),
		fmt.Sprintf("%d", dev.SignedAtMs),
		dev.Token,
	}, "|")
}

func decodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
