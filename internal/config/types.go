package config

// Limits bounds a run.
type Limits struct {
	MaxIterations       int `yaml:"max_iterations"`
	BaseBudget          int `yaml:"base_budget"`
	MaxBudget           int `yaml:"max_budget"`
	RunawayThreshold    int `yaml:"runaway_threshold"`
	NoProgressThreshold int `yaml:"no_progress_threshold"`
	HistoryWindow       int `yaml:"history_window"`
	// MaxReadStreak stops a run after this many consecutive reads. 0 disables.
	MaxReadStreak int `yaml:"max_read_streak"`
}

// Context configures prompt assembly.
type Context struct {
	MaxTokens     int            `yaml:"max_tokens"`
	RecentActions int            `yaml:"recent_actions"`
	Sections      map[string]int `yaml:"sections,omitempty"`
}

// Memory configures working memory.
type Memory struct {
	MaxItems int `yaml:"max_items"`
	// LoadedContextTTL is how many steps a file snippet stays in context.
	LoadedContextTTL int `yaml:"loaded_context_ttl"`
}

// LLM configures the model provider.
type LLM struct {
	Model             string  `yaml:"model"`
	BaseURL           string  `yaml:"base_url,omitempty"`
	MaxResponseTokens int     `yaml:"max_response_tokens"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	Temperature       float32 `yaml:"temperature"`
}

// Config represents the .ember/config.yaml file.
type Config struct {
	Limits   Limits  `yaml:"limits"`
	Context  Context `yaml:"context"`
	Memory   Memory  `yaml:"memory"`
	LLM      LLM     `yaml:"llm"`
	LogLevel string  `yaml:"log_level"`
	// CheckCommand is run by the run_check action when the task does not
	// name its own command.
	CheckCommand string `yaml:"check_command,omitempty"`
}
