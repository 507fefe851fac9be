package supervisor

import (
	"testing"

	"github.com/noiacore/noiacore/pkg/bus"
	"github.com/noiacore/noiacore/pkg/config"
	"github.com/noiacore/noiacore/pkg/rtlog"
)

func newTestSupervisor(appCfg *config.AppConfig) *Supervisor {
	return &Supervisor{
		appCfg: appCfg,
		logger: rtlog.NoOpLogger{},
		hangup: newHangupSource(),
		agents: make(map[string]*cachedAgent),
	}
}

func TestFindAgentForWakeWordMatchesByWakeWordModelID(t *testing.T) {
	appCfg := &config.AppConfig{Agents: []config.AgentConfig{
		{Name: "home", WakeWordModelID: "hey-home"},
		{Name: "office", WakeWordModelID: "hey-office"},
	}}
	s := newTestSupervisor(appCfg)

	got, ok := s.findAgentForWakeWord("hey-office")
	if !ok || got.Name != "office" {
		t.Fatalf("findAgentForWakeWord = %+v, %v", got, ok)
	}

	if _, ok := s.findAgentForWakeWord("unknown"); ok {
		t.Fatal("expected no match for unknown wake word")
	}
}

func TestGetOrCreateAgentReusesFreshAgent(t *testing.T) {
	appCfg := &config.AppConfig{SessionTimeoutMinutes: 10, Agents: []config.AgentConfig{{Name: "home"}}}
	s := newTestSupervisor(appCfg)

	first, err := s.getOrCreateAgent(appCfg.Agents[0])
	if err != nil {
		t.Fatalf("getOrCreateAgent: %v", err)
	}
	second, err := s.getOrCreateAgent(appCfg.Agents[0])
	if err != nil {
		t.Fatalf("getOrCreateAgent: %v", err)
	}
	if first != second {
		t.Fatal("expected the same cached agent instance to be reused")
	}
}

func TestGetOrCreateAgentKeyedByAgentName(t *testing.T) {
	appCfg := &config.AppConfig{SessionTimeoutMinutes: 10, Agents: []config.AgentConfig{
		{Name: "home"}, {Name: "office"},
	}}
	s := newTestSupervisor(appCfg)

	home, err := s.getOrCreateAgent(appCfg.Agents[0])
	if err != nil {
		t.Fatalf("getOrCreateAgent: %v", err)
	}
	office, err := s.getOrCreateAgent(appCfg.Agents[1])
	if err != nil {
		t.Fatalf("getOrCreateAgent: %v", err)
	}
	if home == office {
		t.Fatal("expected distinct cached agents for distinct agent names")
	}
	if len(s.agents) != 2 {
		t.Fatalf("expected 2 cached agents, got %d", len(s.agents))
	}
}

func TestHandleConfigChangedClearsCache(t *testing.T) {
	appCfg := &config.AppConfig{SessionTimeoutMinutes: 10, Agents: []config.AgentConfig{{Name: "home"}}}
	s := newTestSupervisor(appCfg)

	if _, err := s.getOrCreateAgent(appCfg.Agents[0]); err != nil {
		t.Fatalf("getOrCreateAgent: %v", err)
	}
	s.HandleConfigChanged(bus.Event{})
	if len(s.agents) != 0 {
		t.Fatalf("expected cache cleared, got %d entries", len(s.agents))
	}
}
