// Package settings implements Settings & Operation Mode: the mutable
// daemon profile that the HTTP surface can patch at runtime, distinct from
// the static startup configuration in internal/common/config.
package settings

import (
	"crypto/rand"
	"encoding/base64"
	"sync"

	"go.uber.org/zap"

	"github.com/undoable/undoable/internal/common/config"
	"github.com/undoable/undoable/internal/common/logger"
	"github.com/undoable/undoable/internal/store"
)

// BindMode mirrors config.ServerConfig.BindMode.
type BindMode string

const (
	BindLoopback BindMode = "loopback"
	BindAll      BindMode = "all"
	BindCustom   BindMode = "custom"
)

// AuthMode controls whether the HTTP surface requires a bearer token.
type AuthMode string

const (
	AuthOpen  AuthMode = "open"
	AuthToken AuthMode = "token"
)

// SecurityPolicy controls the Tool Registry's undo-guarantee enforcement.
type SecurityPolicy string

const (
	SecurityStrict     SecurityPolicy = "strict"
	SecurityBalanced   SecurityPolicy = "balanced"
	SecurityPermissive SecurityPolicy = "permissive"
)

// OperationMode controls admission of new work (section 4.9).
type OperationMode string

const (
	OperationNormal OperationMode = "normal"
	OperationDrain  OperationMode = "drain"
	OperationPaused OperationMode = "paused"
)

// Record is the persisted daemon settings document (section 3, "Daemon
// settings").
type Record struct {
	Version         int            `json:"version"`
	Host            string         `json:"host"`
	Port            int            `json:"port"`
	BindMode        BindMode       `json:"bindMode"`
	AuthMode        AuthMode       `json:"authMode"`
	Token           string         `json:"token"`
	SecurityPolicy  SecurityPolicy `json:"securityPolicy"`
	OperationMode   OperationMode  `json:"operationMode"`
	OperationReason string         `json:"operationReason,omitempty"`
}

const recordVersion = 1

// Patch is a partial update accepted by Apply. Nil fields are left
// unchanged.
type Patch struct {
	Host            *string
	Port            *int
	BindMode        *BindMode
	AuthMode        *AuthMode
	SecurityPolicy  *SecurityPolicy
	OperationMode   *OperationMode
	OperationReason *string
	RotateToken     bool
}

// Snapshot is returned by GetSnapshot: the desired (persisted) settings,
// the effective (currently running) settings, and whether applying
// desired would require a restart.
type Snapshot struct {
	Desired         Record `json:"desired"`
	Effective       Record `json:"effective"`
	RestartRequired bool   `json:"restartRequired"`
}

// Manager owns the mutable daemon settings, seeded from the static startup
// Config.
type Manager struct {
	mu        sync.Mutex
	desired   Record
	effective Record

	file *store.File
	log  *logger.Logger
}

// New seeds a Manager from the loaded startup Config. The effective
// settings are fixed at the values the process actually started with;
// desired begins equal to effective and diverges only via Apply.
func New(cfg *config.Config, file *store.File, lg *logger.Logger) *Manager {
	if lg == nil {
		lg = logger.Default()
	}
	effective := Record{
		Version:        recordVersion,
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		BindMode:       BindMode(cfg.Server.BindMode),
		AuthMode:       AuthMode(cfg.Auth.Mode),
		Token:          cfg.Auth.Token,
		SecurityPolicy: SecurityBalanced,
		OperationMode:  OperationNormal,
	}

	m := &Manager{
		desired:   effective,
		effective: effective,
		file:      file,
		log:       lg,
	}
	m.restore()
	return m
}

func (m *Manager) restore() {
	if m.file == nil {
		return
	}
	var rec Record
	exists, err := m.file.Load(&rec)
	if err != nil {
		m.log.Error("failed to load daemon settings", zap.Error(err))
		return
	}
	if !exists {
		return
	}
	if err := store.CheckVersion(m.file.Path(), rec.Version, recordVersion); err != nil {
		m.log.Error("refusing to load daemon settings", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.desired = rec
	m.mu.Unlock()
}

func (m *Manager) persistLocked() {
	if m.file == nil {
		return
	}
	_ = m.file.SaveReported(m.desired)
}

// GetSnapshot returns the current desired/effective/restartRequired view.
func (m *Manager) GetSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Desired:         m.desired,
		Effective:       m.effective,
		RestartRequired: restartRequired(m.desired, m.effective),
	}
}

// restartRequired reports whether desired differs from effective in any
// field the running process cannot adopt live (section 3, section 8
// property 9).
func restartRequired(desired, effective Record) bool {
	if desired.Host != effective.Host {
		return true
	}
	if desired.Port != effective.Port {
		return true
	}
	if desired.BindMode != effective.BindMode {
		return true
	}
	if desired.AuthMode != effective.AuthMode {
		return true
	}
	if desired.SecurityPolicy != effective.SecurityPolicy {
		return true
	}
	if (desired.Token != "") != (effective.Token != "") {
		return true
	}
	return false
}

// normalizeHost applies the bindMode -> host normalization rule.
func normalizeHost(host string, mode BindMode) string {
	switch mode {
	case BindLoopback:
		return "127.0.0.1"
	case BindAll:
		return "0.0.0.0"
	default:
		return host
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Apply applies a patch to the desired settings and persists it. It does
// not affect the running process's effective settings — those change only
// on restart, which is why RestartRequired exists.
func (m *Manager) Apply(p Patch) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.desired
	if p.BindMode != nil {
		d.BindMode = *p.BindMode
	}
	if p.Host != nil {
		d.Host = *p.Host
	}
	d.Host = normalizeHost(d.Host, d.BindMode)

	if p.Port != nil {
		d.Port = *p.Port
	}
	if p.SecurityPolicy != nil {
		d.SecurityPolicy = *p.SecurityPolicy
	}
	if p.OperationMode != nil {
		d.OperationMode = *p.OperationMode
	}
	if p.OperationReason != nil {
		d.OperationReason = *p.OperationReason
	}
	if p.AuthMode != nil {
		d.AuthMode = *p.AuthMode
	}
	if p.RotateToken {
		token, err := generateToken()
		if err != nil {
			return Snapshot{}, err
		}
		d.Token = token
		d.AuthMode = AuthToken
	}

	m.desired = d
	m.persistLocked()

	return Snapshot{
		Desired:         m.desired,
		Effective:       m.effective,
		RestartRequired: restartRequired(m.desired, m.effective),
	}, nil
}

// OperationMode returns the effective operation mode used for live
// admission decisions (operationMode is the one settings field that *does*
// apply live, unlike the restart-required fields).
func (m *Manager) OperationMode() OperationMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desired.OperationMode
}

// AdmitNewWork reports whether new run- or job-creating requests should be
// accepted given the current operation mode.
func (m *Manager) AdmitNewWork() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.desired.OperationMode {
	case OperationDrain:
		return false, "daemon is draining: " + m.desired.OperationReason
	case OperationPaused:
		return false, "daemon is paused: " + m.desired.OperationReason
	default:
		return true, ""
	}
}

// AdmitScheduledDispatch reports whether the scheduler/SWARM may dispatch
// queued or fired work. Drain mode allows active runs to finish but,
// unlike normal mode, still blocks newly queued scheduler fires the same
// way paused does, since a fire always creates new work.
func (m *Manager) AdmitScheduledDispatch() bool {
	mode := m.OperationMode()
	return mode == OperationNormal
}
