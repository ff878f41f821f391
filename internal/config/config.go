// File: internal/config/config.go
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev    bool
	Resume bool
	JobID  string
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type AdminConfig struct {
	Port      int    `yaml:"port"` // 0 disables the admin server
	JWTSecret string `yaml:"jwt_secret"`
}

type StateConfig struct {
	Backend string `yaml:"backend"` // fs|redis|drive|memory
	Dir     string `yaml:"dir"`     // fs backend
	Prefix  string `yaml:"prefix"`  // redis key prefix
}

type LedgerConfig struct {
	Backend string `yaml:"backend"` // blob|postgres
	Name    string `yaml:"name"`    // blob name of the shared ledger
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`      // ledger cache
	LockTTL  time.Duration `yaml:"lock_ttl"` // per-job run lock
}

type DriveConfig struct {
	ClientSecretJSON   string `yaml:"client_secret_json"`
	RefreshToken       string `yaml:"refresh_token"`
	ClipsFolderID      string `yaml:"clips_folder_id"`
	StateFolderID      string `yaml:"state_folder_id"`
	ResumableThreshold int64  `yaml:"resumable_threshold"` // bytes
	ChunkSize          int    `yaml:"chunk_size"`          // bytes
}

type AIConfig struct {
	OpenAIKey       string `yaml:"openai_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	GeminiKey       string `yaml:"gemini_key"`
	GeminiURL       string `yaml:"gemini_url"`
	DefaultModel    string `yaml:"default_model"`
	ConcurrentLimit int    `yaml:"concurrent_limit"` // max concurrent AI calls
	ChunkTokens     int    `yaml:"chunk_tokens"`
	ChunkChars      int    `yaml:"chunk_chars"` // used when no tokenizer is available
	CharacterName   string `yaml:"character_name"`
	Concept         string `yaml:"concept"` // channel concept fed to the clip proposal prompt
	MaxOutputTokens int    `yaml:"max_output_tokens"`
}

type PipelineConfig struct {
	WorkDir          string  `yaml:"work_dir"`
	SourceTitle      string  `yaml:"source_title"`
	MaxClips         int     `yaml:"max_clips"`
	MaxClipsPerBatch int     `yaml:"max_clips_per_batch"`
	CutWorkers       int     `yaml:"cut_workers"`
	MinClipSec       float64 `yaml:"min_clip_sec"`
	MaxClipSec       float64 `yaml:"max_clip_sec"`
	MinGapSec        float64 `yaml:"min_gap_sec"`
	Reactions        bool    `yaml:"reactions"`
	MaxReactions     int     `yaml:"max_reactions"`

	DownloadCmd   []string `yaml:"download_cmd"`
	ProbeCmd      []string `yaml:"probe_cmd"`
	TranscribeCmd []string `yaml:"transcribe_cmd"`
	FFmpegPath    string   `yaml:"ffmpeg_path"`
	RemotionDir   string   `yaml:"remotion_dir"`
	NpxPath       string   `yaml:"npx_path"`

	UploadBackend string `yaml:"upload_backend"` // drive|fs
	UploadDir     string `yaml:"upload_dir"`     // fs backend
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Admin    AdminConfig    `yaml:"admin"`
	State    StateConfig    `yaml:"state"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Drive    DriveConfig    `yaml:"drive"`
	AI       AIConfig       `yaml:"ai"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Telegram TelegramConfig `yaml:"telegram"`

	Runtime RuntimeConfig `yaml:"-"`
}

// Flags are the process-boundary switches.
type Flags struct {
	ConfigPath string
	Dev        bool
	Resume     bool
	JobID      string
	MintToken  bool
}

func ParseFlags(args []string) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("kirinuki", flag.ContinueOnError)
	fs.StringVar(&f.ConfigPath, "config", "config.yaml", "path to config yaml")
	fs.BoolVar(&f.Dev, "dev", false, "development mode")
	fs.BoolVar(&f.Resume, "resume", false, "resume a stored job regardless of its status")
	fs.StringVar(&f.JobID, "job", "", "job (video) id to process")
	fs.BoolVar(&f.MintToken, "mint-admin-token", false, "print an admin api token and exit")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.JobID == "" && fs.NArg() > 0 {
		f.JobID = fs.Arg(0)
	}
	return f, nil
}

// LoadConfig reads the YAML file at path, applies defaults and environment
// overrides (a .env file in the working directory is honoured), and
// validates the result.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	_ = godotenv.Load()
	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.AI.GeminiKey, "GEMINI_API_KEY")
	setString(&cfg.AI.OpenAIKey, "OPENAI_API_KEY")
	setString(&cfg.Drive.ClientSecretJSON, "GDRIVE_CLIENT_SECRET_JSON")
	setString(&cfg.Drive.RefreshToken, "GDRIVE_REFRESH_TOKEN")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setString(&cfg.Admin.JWTSecret, "ADMIN_JWT_SECRET")
	setString(&cfg.Pipeline.SourceTitle, "SOURCE_VIDEO_TITLE")
	setString(&cfg.AI.Concept, "CHANNEL_CONCEPT")
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = "fs"
	}
	if cfg.State.Dir == "" {
		cfg.State.Dir = "state"
	}
	if cfg.State.Prefix == "" {
		cfg.State.Prefix = "kirinuki:"
	}
	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = "blob"
	}
	if cfg.Ledger.Name == "" {
		cfg.Ledger.Name = "processed_jobs.json"
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL, time.Hour)
	cfg.Redis.LockTTL = normalizeTTL(cfg.Redis.LockTTL, 6*time.Hour)
	if cfg.Drive.ResumableThreshold <= 0 {
		cfg.Drive.ResumableThreshold = 5 << 20
	}
	if cfg.Drive.ChunkSize <= 0 {
		cfg.Drive.ChunkSize = 8 << 20
	}

	if cfg.AI.DefaultModel == "" {
		cfg.AI.DefaultModel = "gemini-2.5-flash"
	}
	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 4
	}
	if cfg.AI.ChunkTokens <= 0 {
		cfg.AI.ChunkTokens = 6000
	}
	if cfg.AI.ChunkChars <= 0 {
		cfg.AI.ChunkChars = 12000
	}
	if cfg.AI.MaxOutputTokens <= 0 {
		cfg.AI.MaxOutputTokens = 8192
	}
	if cfg.AI.CharacterName == "" {
		cfg.AI.CharacterName = "commentator"
	}

	p := &cfg.Pipeline
	if p.WorkDir == "" {
		p.WorkDir = "work"
	}
	if p.MaxClips <= 0 {
		p.MaxClips = 10
	}
	if p.MaxClipsPerBatch <= 0 {
		p.MaxClipsPerBatch = 15
	}
	if p.CutWorkers <= 0 {
		p.CutWorkers = 4
	}
	if p.MinClipSec <= 0 {
		p.MinClipSec = 30
	}
	if p.MaxClipSec <= 0 {
		p.MaxClipSec = 120
	}
	if p.MinGapSec <= 0 {
		p.MinGapSec = 30
	}
	if p.MaxReactions <= 0 {
		p.MaxReactions = 6
	}
	if len(p.DownloadCmd) == 0 {
		p.DownloadCmd = []string{"yt-dlp", "-f", "bv*[ext=mp4]+ba[ext=m4a]/b[ext=mp4]/b", "--merge-output-format", "mp4", "-o", "{out}", "https://www.youtube.com/watch?v={job_id}"}
	}
	if len(p.ProbeCmd) == 0 {
		p.ProbeCmd = []string{"ffprobe", "-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", "{video}"}
	}
	if p.FFmpegPath == "" {
		p.FFmpegPath = "ffmpeg"
	}
	if p.NpxPath == "" {
		p.NpxPath = "npx"
	}
	if p.RemotionDir == "" {
		p.RemotionDir = "remotion"
	}
	if p.UploadBackend == "" {
		p.UploadBackend = "fs"
	}
	if p.UploadDir == "" {
		p.UploadDir = "out"
	}
}

// Validate checks backend choices and the settings each one needs.
func (c *Config) Validate() error {
	switch c.State.Backend {
	case "fs", "memory":
	case "redis":
		if c.Redis.URL == "" {
			return errors.New("redis.url is required for state.backend=redis")
		}
	case "drive":
		if err := c.requireDrive(); err != nil {
			return err
		}
		if c.Drive.StateFolderID == "" {
			return errors.New("drive.state_folder_id is required for state.backend=drive")
		}
	default:
		return fmt.Errorf("unknown state.backend %q", c.State.Backend)
	}

	switch c.Ledger.Backend {
	case "blob":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for ledger.backend=postgres")
		}
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}

	switch c.Pipeline.UploadBackend {
	case "fs":
	case "drive":
		if err := c.requireDrive(); err != nil {
			return err
		}
		if c.Drive.ClipsFolderID == "" {
			return errors.New("drive.clips_folder_id is required for pipeline.upload_backend=drive")
		}
	default:
		return fmt.Errorf("unknown pipeline.upload_backend %q", c.Pipeline.UploadBackend)
	}

	if c.AI.GeminiKey == "" && c.AI.OpenAIKey == "" {
		return errors.New("one of ai.gemini_key or ai.openai_key is required")
	}
	if len(c.Pipeline.TranscribeCmd) == 0 {
		return errors.New("pipeline.transcribe_cmd is required")
	}
	if c.Pipeline.MinClipSec > c.Pipeline.MaxClipSec {
		return errors.New("pipeline.min_clip_sec must not exceed pipeline.max_clip_sec")
	}
	if c.Admin.Port > 0 && c.Admin.JWTSecret == "" {
		return errors.New("admin.jwt_secret is required when admin.port is set")
	}
	return nil
}

func (c *Config) requireDrive() error {
	if c.Drive.ClientSecretJSON == "" || c.Drive.RefreshToken == "" {
		return errors.New("drive.client_secret_json and drive.refresh_token are required")
	}
	return nil
}

func normalizeTTL(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
