// Package config loads the App/Agent Configuration data model from the
// environment via godotenv, generalizing the donor cmd/agent/main.go's
// godotenv.Load()+os.Getenv chain from a handful of provider API keys into
// the realtime core's full configuration surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/noiacore/noiacore/pkg/rterrors"
	"github.com/noiacore/noiacore/pkg/wake"
)

// AgentConfig is one agent's immutable-during-a-session configuration.
type AgentConfig struct {
	Name              string
	Instructions      string
	Temperature       *float64
	WakeWordModelID   string
	WakeWordThreshold float64 // [0.1, 0.9]
	WakeWordTrigger   int     // [1, 10]: successive above-threshold frames required to fire
	VoiceName         string
	ToolsEnabled      map[string]bool

	DisableEchoSuppression bool
}

// AppConfig is the process-wide configuration, reloaded whenever
// ConfigChanged fires.
type AppConfig struct {
	APIKey             string
	Model              string
	GlobalInstructions string

	SessionTimeoutMinutes                int
	ConversationInactivityTimeoutSeconds int
	MemoryCap                            int
	StartupVolume                        int // 0-10
	WakeWordSilenceAmplitude              int

	OnnxLibraryPath string
	VADModelPath    string
	WakeWordModels  []wake.ModelConfig

	Agents []AgentConfig
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Load reads a .env file if present (silently ignored if absent, matching
// the donor's "Note: No .env file found" tolerance) then populates AppConfig
// from environment variables. AGENT_NAMES is a comma-separated list; each
// name N contributes AGENT_N_* variables for its AgentConfig.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := &AppConfig{
		APIKey:                               os.Getenv("REALTIME_API_KEY"),
		Model:                                getenvDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		GlobalInstructions:                   os.Getenv("GLOBAL_INSTRUCTIONS"),
		SessionTimeoutMinutes:                getenvInt("SESSION_TIMEOUT_MINUTES", 10),
		ConversationInactivityTimeoutSeconds: getenvInt("CONVERSATION_INACTIVITY_TIMEOUT_SECONDS", 30),
		MemoryCap:                            getenvInt("MEMORY_CAP", 500),
		StartupVolume:                        getenvInt("STARTUP_VOLUME", 5),
		WakeWordSilenceAmplitude:             getenvInt("WAKE_WORD_SILENCE_AMPLITUDE", 400),
		OnnxLibraryPath:                      os.Getenv("ONNXRUNTIME_LIB_PATH"),
		VADModelPath:                         os.Getenv("VAD_MODEL_PATH"),
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: REALTIME_API_KEY must be set", rterrors.ErrConfigurationError)
	}

	modelNames := splitCSV(os.Getenv("WAKE_WORD_MODEL_NAMES"))
	for _, id := range modelNames {
		prefix := "WAKE_WORD_MODEL_" + strings.ToUpper(id) + "_"
		cfg.WakeWordModels = append(cfg.WakeWordModels, wake.ModelConfig{
			ID:           id,
			ModelPath:    os.Getenv(prefix + "PATH"),
			Threshold:    getenvFloat(prefix+"THRESHOLD", 0.5),
			TriggerLevel: getenvInt(prefix+"TRIGGER_LEVEL", 5),
			WindowFrames: getenvInt(prefix+"WINDOW_FRAMES", 30),
		})
	}

	agentNames := splitCSV(os.Getenv("AGENT_NAMES"))
	if len(agentNames) == 0 {
		agentNames = []string{"default"}
	}
	for _, name := range agentNames {
		prefix := "AGENT_" + strings.ToUpper(name) + "_"
		agent := AgentConfig{
			Name:              name,
			Instructions:      os.Getenv(prefix + "INSTRUCTIONS"),
			WakeWordModelID:   getenvDefault(prefix+"WAKE_WORD_MODEL_ID", name),
			WakeWordThreshold: getenvFloat(prefix+"WAKE_WORD_THRESHOLD", 0.5),
			WakeWordTrigger:   getenvInt(prefix+"WAKE_WORD_TRIGGER_LEVEL", 5),
			VoiceName:         getenvDefault(prefix+"VOICE", "alloy"),
			ToolsEnabled:      map[string]bool{},

			DisableEchoSuppression: getenvBool(prefix+"DISABLE_ECHO_SUPPRESSION", false),
		}
		if v := os.Getenv(prefix + "TEMPERATURE"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				agent.Temperature = &f
			}
		}
		for _, tool := range splitCSV(os.Getenv(prefix + "TOOLS")) {
			agent.ToolsEnabled[tool] = true
		}
		cfg.Agents = append(cfg.Agents, agent)
	}

	return cfg, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
