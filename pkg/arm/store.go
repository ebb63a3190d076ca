package arm

import (
	"math"
	"sync"
)

// DefaultConfigs returns the factory joint configuration.
func DefaultConfigs() map[JointID]Config {
	return map[JointID]Config{
		Base:    {Label: "Base", Min: 0, Max: 180, Home: 90},
		ArmA:    {Label: "Arm A", Min: 0, Max: 180, Home: 90},
		ArmB:    {Label: "Arm B", Min: 0, Max: 180, Home: 90},
		WristA:  {Label: "Wrist A", Min: 0, Max: 180, Home: 90},
		WristB:  {Label: "Wrist B", Min: 0, Max: 180, Home: 90},
		Gripper: {Label: "Gripper", Min: 0, Max: 73, Home: 0},
	}
}

// Store holds the canonical per-joint configuration and the current
// (UI-facing) pose. It is the sole mutation point for both.
type Store struct {
	mu      sync.RWMutex
	configs map[JointID]Config
	current Pose

	// onConfig is invoked after a config write, outside the control path.
	onConfig func(JointID, Config)
}

// NewStore creates a store with factory configs and every joint at home.
func NewStore() *Store {
	s := &Store{configs: DefaultConfigs()}
	s.current = s.homePose()
	return s
}

// OnConfigChange registers a callback invoked after every config write.
// Used by the persistence collaborator; must not block.
func (s *Store) OnConfigChange(fn func(JointID, Config)) {
	s.mu.Lock()
	s.onConfig = fn
	s.mu.Unlock()
}

func (s *Store) homePose() Pose {
	var p Pose
	for _, id := range Joints() {
		p.Set(id, s.configs[id].Home)
	}
	return p
}

// HomePose returns the pose with every joint at its configured home.
func (s *Store) HomePose() Pose {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.homePose()
}

// Config returns the configuration for one joint.
func (s *Store) Config(id JointID) Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configs[id]
}

// Configs returns a copy of all joint configurations.
func (s *Store) Configs() map[JointID]Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[JointID]Config, len(s.configs))
	for id, cfg := range s.configs {
		out[id] = cfg
	}
	return out
}

// SetConfig merges patch into the joint's config. Min/Max ordering is
// normalized on write, home is re-clamped into the effective range, and
// the current angle is tightened into the new bounds. Returns the
// effective config.
func (s *Store) SetConfig(id JointID, patch ConfigPatch) Config {
	s.mu.Lock()
	cfg := s.configs[id]
	if patch.Label != nil {
		cfg.Label = *patch.Label
	}
	if patch.Min != nil {
		cfg.Min = *patch.Min
	}
	if patch.Max != nil {
		cfg.Max = *patch.Max
	}
	if patch.Home != nil {
		cfg.Home = *patch.Home
	}
	if cfg.Min > cfg.Max {
		cfg.Min, cfg.Max = cfg.Max, cfg.Min
	}
	cfg.Home = Clamp(cfg.Home, cfg.Min, cfg.Max)
	s.configs[id] = cfg

	s.current.Set(id, Clamp(s.current.Get(id), cfg.Min, cfg.Max))
	notify := s.onConfig
	s.mu.Unlock()

	if notify != nil {
		notify(id, cfg)
	}
	return cfg
}

// ReplaceConfigs installs a full config set (e.g. loaded from disk),
// normalizing each entry the same way SetConfig does. Joints missing
// from the input keep their existing config.
func (s *Store) ReplaceConfigs(configs map[JointID]Config) {
	s.mu.Lock()
	for _, id := range Joints() {
		cfg, ok := configs[id]
		if !ok {
			continue
		}
		if cfg.Min > cfg.Max {
			cfg.Min, cfg.Max = cfg.Max, cfg.Min
		}
		cfg.Home = Clamp(cfg.Home, cfg.Min, cfg.Max)
		s.configs[id] = cfg
		s.current.Set(id, Clamp(s.current.Get(id), cfg.Min, cfg.Max))
	}
	s.mu.Unlock()
}

// ClampJoint clamps v into the joint's bounds and rounds to one decimal.
func (s *Store) ClampJoint(id JointID, v float64) float64 {
	s.mu.RLock()
	cfg := s.configs[id]
	s.mu.RUnlock()
	return Round1(Clamp(v, cfg.Min, cfg.Max))
}

// ClampPose clamps every joint of p into its configured bounds.
func (s *Store) ClampPose(p Pose) Pose {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out Pose
	for _, id := range Joints() {
		cfg := s.configs[id]
		out.Set(id, Round1(Clamp(p.Get(id), cfg.Min, cfg.Max)))
	}
	return out
}

// Current returns the current UI-facing pose. It reflects intent
// immediately, even before a value is physically transmitted.
func (s *Store) Current() Pose {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// SetCurrentJoint records the current angle for one joint.
// The caller is responsible for clamping (see ClampJoint).
func (s *Store) SetCurrentJoint(id JointID, v float64) {
	s.mu.Lock()
	s.current.Set(id, v)
	s.mu.Unlock()
}

// SetCurrent records the full current pose.
func (s *Store) SetCurrent(p Pose) {
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
}

// MergePose builds a full pose from a possibly-partial, possibly-malformed
// input: for every joint the provided value is used when finite, otherwise
// the current value is kept. The result is clamped per joint.
func (s *Store) MergePose(partial map[JointID]float64) Pose {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out Pose
	for _, id := range Joints() {
		v, ok := partial[id]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			v = s.current.Get(id)
		}
		cfg := s.configs[id]
		out.Set(id, Round1(Clamp(v, cfg.Min, cfg.Max)))
	}
	return out
}
