package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/perchcam/signaling-broker/internal/metrics"
	"github.com/perchcam/signaling-broker/internal/ratelimit"
	"github.com/perchcam/signaling-broker/internal/store"
)

// DeviceStatus is a capture device's presence record.
type DeviceStatus struct {
	DeviceID         string            `json:"deviceId"`
	Online           bool              `json:"online"`
	ReadyForSessions bool              `json:"readyForSessions"`
	LastHeartbeat    time.Time         `json:"lastHeartbeat"`
	Capabilities     map[string]string `json:"capabilities,omitempty"`
}

func presenceKey(deviceID string) string { return "presence/" + deviceID }

// Presence tracks whether capture devices are online and ready to accept
// sessions. Liveness is judged lazily on read against the heartbeat age; no
// background writer flips devices offline.
type Presence struct {
	store   store.Store
	clock   ratelimit.Clock
	metrics *metrics.Metrics
	log     zerolog.Logger

	// heartbeatInterval is the interval devices are expected to heartbeat on.
	// A record older than twice this is treated as offline regardless of its
	// stored flags.
	heartbeatInterval time.Duration
}

const DefaultHeartbeatInterval = 30 * time.Second

func NewPresence(st store.Store, clock ratelimit.Clock, m *metrics.Metrics, log zerolog.Logger, heartbeatInterval time.Duration) *Presence {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Presence{
		store:             st,
		clock:             clock,
		metrics:           m,
		log:               log,
		heartbeatInterval: heartbeatInterval,
	}
}

// Heartbeat upserts the device's presence record, marking it online and ready.
// Idempotent; last writer wins, which is safe because every heartbeat carries
// the full record.
func (p *Presence) Heartbeat(ctx context.Context, deviceID string, capabilities map[string]string) error {
	if deviceID == "" {
		return errors.New("empty device id")
	}

	status := DeviceStatus{
		DeviceID:         deviceID,
		Online:           true,
		ReadyForSessions: true,
		LastHeartbeat:    p.clock.Now(),
		Capabilities:     capabilities,
	}
	value, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode presence %s: %w", deviceID, err)
	}

	if err := p.store.Put(ctx, presenceKey(deviceID), value); err != nil {
		p.metrics.StoreError("put")
		return storeFailure(err)
	}

	p.metrics.HeartbeatReceived()
	p.log.Debug().Str("device_id", deviceID).Msg("heartbeat")
	return nil
}

// MarkOffline is the device's explicit shutdown signal: both flags drop
// immediately instead of waiting out the staleness window.
func (p *Presence) MarkOffline(ctx context.Context, deviceID string) error {
	status, err := p.rawStatus(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil
		}
		return err
	}

	status.Online = false
	status.ReadyForSessions = false

	value, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode presence %s: %w", deviceID, err)
	}
	if err := p.store.Put(ctx, presenceKey(deviceID), value); err != nil {
		p.metrics.StoreError("put")
		return storeFailure(err)
	}

	p.log.Info().Str("device_id", deviceID).Msg("device marked offline")
	return nil
}

// IsReady reports whether the device can accept a new session right now.
// A missing record or a heartbeat older than 2× the heartbeat interval both
// read as not ready, regardless of the stored flags.
func (p *Presence) IsReady(ctx context.Context, deviceID string) (bool, error) {
	status, err := p.Status(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if status == nil {
		return false, nil
	}
	return status.ReadyForSessions, nil
}

// Status returns the device's presence record with lazy staleness applied, or
// nil if the device never heartbeated.
func (p *Presence) Status(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	status, err := p.rawStatus(ctx, deviceID)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if p.stale(status.LastHeartbeat) {
		status.Online = false
		status.ReadyForSessions = false
	}
	// readyForSessions implies online.
	if !status.Online {
		status.ReadyForSessions = false
	}
	return status, nil
}

func (p *Presence) stale(lastHeartbeat time.Time) bool {
	return p.clock.Now().Sub(lastHeartbeat) > 2*p.heartbeatInterval
}

func (p *Presence) rawStatus(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	rec, err := p.store.Get(ctx, presenceKey(deviceID))
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, err
	}
	if err != nil {
		p.metrics.StoreError("get")
		return nil, storeFailure(err)
	}

	var status DeviceStatus
	if err := json.Unmarshal(rec.Value, &status); err != nil {
		return nil, fmt.Errorf("decode presence %s: %w", deviceID, err)
	}
	return &status, nil
}
