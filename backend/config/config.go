package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime options for the gateway process.
type Config struct {
	ListenAddr      string `json:"listenAddr"`
	DataDir         string `json:"dataDir"`
	DBPath          string `json:"dbPath"`
	MediaDir        string `json:"mediaDir"`
	RecordDir       string `json:"recordDir"`
	FFmpegPath      string `json:"ffmpegPath"`
	FFprobePath     string `json:"ffprobePath"`
	LogBufferSize   int    `json:"logBufferSize"`
	APIBase         string `json:"apiBase"`
	AllowOrigin     string `json:"allowOrigin"`
	APIKeyHash      string `json:"apiKeyHash"`
	DebugMode       bool   `json:"debugMode"`
	EnableDebugLogs bool   `json:"enableDebugLogs"`
	AutoStart       bool   `json:"autoStart"`
	ConfigFile      string `json:"configFile"`

	Device       DeviceConfig       `json:"device"`
	SIP          SIPConfig          `json:"sip"`
	Registration RegistrationConfig `json:"registration"`
	Catalog      CatalogConfig      `json:"catalog"`
	Session      SessionConfig      `json:"session"`
	Media        MediaConfig        `json:"media"`
	RTSPSources  []RTSPSource       `json:"rtspSources"`
}

// DeviceConfig is the identity the gateway presents to the platform.
type DeviceConfig struct {
	DeviceID     string `json:"deviceId"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Firmware     string `json:"firmware"`
	Owner        string `json:"owner"`
	Address      string `json:"address"`
	MaxCamera    int    `json:"maxCamera"`
	MaxAlarm     int    `json:"maxAlarm"`
}

type SIPConfig struct {
	ServerID    string   `json:"serverId"`
	ServerIP    string   `json:"serverIp"`
	ServerPort  int      `json:"serverPort"`
	Domain      string   `json:"domain"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	LocalIP     string   `json:"localIp"`
	LocalPort   int      `json:"localPort"`
	Transport   string   `json:"transport"`
	UserAgent   string   `json:"userAgent"`
	SendTimeout Duration `json:"sendTimeout"`

	// SendAttempts bounds writes of one outbound action, first try included.
	SendAttempts  int      `json:"sendAttempts"`
	SendRetryBase Duration `json:"sendRetryBase"`
}

// RegistrationConfig drives the registration/keepalive state machine.
type RegistrationConfig struct {
	Expires                  int      `json:"expires"`
	KeepaliveInterval        Duration `json:"keepaliveInterval"`
	PlatformKeepaliveTimeout Duration `json:"platformKeepaliveTimeout"`
	KeepaliveMissLimit       int      `json:"keepaliveMissLimit"`
	RenewalRatio             float64  `json:"renewalRatio"`
	EmergencyRatio           float64  `json:"emergencyRatio"`
	RetryBase                Duration `json:"retryBase"`
	RetryMax                 Duration `json:"retryMax"`
	AckTimeout               Duration `json:"ackTimeout"`
	TickInterval             Duration `json:"tickInterval"`
}

type CatalogConfig struct {
	PayloadBudget    int      `json:"payloadBudget"`
	DedupWindow      Duration `json:"dedupWindow"`
	PageInterval     Duration `json:"pageInterval"`
	ScanInterval     Duration `json:"scanInterval"`
	RecordQueryLimit int      `json:"recordQueryLimit"`
}

// SessionConfig drives the per-channel stream session supervisor.
type SessionConfig struct {
	AllowConcurrent bool     `json:"allowConcurrent"`
	MaxRetries      int      `json:"maxRetries"`
	RetryBase       Duration `json:"retryBase"`
	RetryMax        Duration `json:"retryMax"`
	RetryJitter     float64  `json:"retryJitter"`
	HealthInterval  Duration `json:"healthInterval"`
	HealthGrace     Duration `json:"healthGrace"`
	StartTimeout    Duration `json:"startTimeout"`
	StopTimeout     Duration `json:"stopTimeout"`
	PollTimeout     Duration `json:"pollTimeout"`
	HistorySize     int      `json:"historySize"`
}

type MediaConfig struct {
	AnnounceIP   string   `json:"announceIp"`
	PortStart    int      `json:"portStart"`
	PortEnd      int      `json:"portEnd"`
	PayloadType  int      `json:"payloadType"`
	VideoCodec   string   `json:"videoCodec"`
	StallTimeout Duration `json:"stallTimeout"`
	ProbeRTSP    bool     `json:"probeRtsp"`
}

type RTSPSource struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func resolveConfigFilePath() (string, error) {
	path := strings.TrimSpace(os.Getenv("GBGW_CONFIG_FILE"))
	if path == "" {
		path = filepath.FromSlash("./data/config.json")
	}
	return filepath.Abs(path)
}

func defaultFFmpegPathByOS() string {
	if found := firstExistingBinary(toolCandidatesByOS("ffmpeg")); found != "" {
		return found
	}
	if runtime.GOOS == "windows" {
		return "ffmpeg.exe"
	}
	return "ffmpeg"
}

func defaultFFprobePathByOS() string {
	if found := firstExistingBinary(toolCandidatesByOS("ffprobe")); found != "" {
		return found
	}
	if runtime.GOOS == "windows" {
		return "ffprobe.exe"
	}
	return "ffprobe"
}

func toolCandidatesByOS(tool string) []string {
	switch runtime.GOOS {
	case "windows":
		return expandBinaryCandidates("./ffmpeg/win-x64/"+tool+".exe", "./ffmpeg/"+tool+".exe")
	case "linux":
		arch := "linux-x64"
		switch runtime.GOARCH {
		case "arm64":
			arch = "linux-arm64"
		case "arm":
			arch = "linux-arm"
		}
		return expandBinaryCandidates("./ffmpeg/"+arch+"/"+tool, "./ffmpeg/"+tool)
	default:
		return nil
	}
}

func expandBinaryCandidates(paths ...string) []string {
	exeDir := ""
	if exePath, err := os.Executable(); err == nil {
		exeDir = filepath.Dir(exePath)
	}
	candidates := make([]string, 0, len(paths)*2)
	for _, path := range paths {
		cleanPath := filepath.Clean(filepath.FromSlash(strings.TrimSpace(path)))
		if cleanPath == "." || cleanPath == "" {
			continue
		}
		candidates = append(candidates, cleanPath)
		if exeDir != "" && !filepath.IsAbs(cleanPath) {
			candidates = append(candidates, filepath.Join(exeDir, cleanPath))
		}
	}
	return candidates
}

func firstExistingBinary(candidates []string) string {
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		abs, err := filepath.Abs(candidate)
		if err != nil {
			return candidate
		}
		return abs
	}
	return ""
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envBool(key string) bool {
	return strings.EqualFold(envOrDefault(key, "false"), "true")
}

func defaultConfig(configFile string) Config {
	baseDir := filepath.Dir(configFile)
	cfg := Config{
		ListenAddr:      envOrDefault("GBGW_LISTEN", ":18787"),
		DataDir:         envOrDefault("GBGW_DATA_DIR", baseDir),
		MediaDir:        envOrDefault("GBGW_MEDIA_DIR", ""),
		FFmpegPath:      envOrDefault("GBGW_FFMPEG_PATH", defaultFFmpegPathByOS()),
		FFprobePath:     envOrDefault("GBGW_FFPROBE_PATH", defaultFFprobePathByOS()),
		LogBufferSize:   envIntOrDefault("GBGW_LOG_BUFFER_SIZE", 200),
		APIBase:         envOrDefault("GBGW_API_BASE", "/api/v1"),
		AllowOrigin:     envOrDefault("GBGW_ALLOW_ORIGIN", "*"),
		APIKeyHash:      envOrDefault("GBGW_API_KEY_HASH", ""),
		DebugMode:       envBool("GBGW_DEBUG"),
		EnableDebugLogs: envBool("GBGW_DEBUG"),
		AutoStart:       !envBool("GBGW_NO_AUTOSTART"),
		ConfigFile:      configFile,
		Device: DeviceConfig{
			DeviceID:     envOrDefault("GBGW_DEVICE_ID", "34020000001320000001"),
			Name:         envOrDefault("GBGW_DEVICE_NAME", "GB28181 Restreamer"),
			Manufacturer: "GB28181-Restreamer",
			Model:        "Restreamer-1",
			Firmware:     "1.0.0",
			Owner:        "gb28181-restreamer",
			Address:      "local",
		},
		SIP: SIPConfig{
			ServerID:   envOrDefault("GBGW_SIP_SERVER_ID", "34020000002000000001"),
			ServerIP:   envOrDefault("GBGW_SIP_SERVER", "127.0.0.1"),
			ServerPort: envIntOrDefault("GBGW_SIP_PORT", 5060),
			Domain:     envOrDefault("GBGW_SIP_DOMAIN", "3402000000"),
			Username:   envOrDefault("GBGW_SIP_USERNAME", ""),
			Password:   envOrDefault("GBGW_SIP_PASSWORD", ""),
			LocalIP:    envOrDefault("GBGW_SIP_LOCAL_IP", ""),
			LocalPort:  envIntOrDefault("GBGW_SIP_LOCAL_PORT", 5080),
			Transport:  envOrDefault("GBGW_SIP_TRANSPORT", "udp"),
		},
	}
	cfg = normalizeConfig(cfg, configFile)
	cfg.ConfigFile = configFile
	return cfg
}

func normalizeConfig(cfg Config, configFile string) Config {
	configDir := filepath.Dir(configFile)
	cfg.ConfigFile = configFile

	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":18787"
	}
	cfg.APIBase = strings.TrimSuffix(strings.TrimSpace(cfg.APIBase), "/")
	if cfg.APIBase == "" {
		cfg.APIBase = "/api/v1"
	}
	if !strings.HasPrefix(cfg.APIBase, "/") {
		cfg.APIBase = "/" + cfg.APIBase
	}
	if cfg.LogBufferSize <= 0 {
		cfg.LogBufferSize = 200
	}
	if strings.TrimSpace(cfg.AllowOrigin) == "" {
		cfg.AllowOrigin = "*"
	}
	if cfg.DebugMode {
		cfg.EnableDebugLogs = true
	}
	cfg.DebugMode = cfg.EnableDebugLogs
	if strings.TrimSpace(cfg.FFmpegPath) == "" {
		cfg.FFmpegPath = defaultFFmpegPathByOS()
	}
	if strings.TrimSpace(cfg.FFprobePath) == "" {
		cfg.FFprobePath = defaultFFprobePathByOS()
	}

	cfg.DataDir = absPathWithBase(cfg.DataDir, configDir)
	if cfg.DataDir == "" {
		cfg.DataDir = configDir
	}
	cfg.DBPath = absPathWithBase(cfg.DBPath, configDir)
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "db", "gateway.db")
	}
	cfg.MediaDir = absPathWithBase(cfg.MediaDir, configDir)
	if cfg.MediaDir == "" {
		cfg.MediaDir = filepath.Join(cfg.DataDir, "media")
	}
	cfg.RecordDir = absPathWithBase(cfg.RecordDir, configDir)
	if cfg.RecordDir == "" {
		cfg.RecordDir = cfg.MediaDir
	}
	cfg.FFmpegPath = absPathWithBase(cfg.FFmpegPath, configDir)
	cfg.FFprobePath = absPathWithBase(cfg.FFprobePath, configDir)

	cfg.Device = normalizeDevice(cfg.Device)
	cfg.SIP = normalizeSIP(cfg.SIP, cfg.Device.DeviceID)
	cfg.Registration = normalizeRegistration(cfg.Registration)
	cfg.Catalog = normalizeCatalog(cfg.Catalog)
	cfg.Session = normalizeSession(cfg.Session)
	cfg.Media = normalizeMedia(cfg.Media)

	sources := make([]RTSPSource, 0, len(cfg.RTSPSources))
	for _, src := range cfg.RTSPSources {
		src.URL = strings.TrimSpace(src.URL)
		if src.URL == "" {
			continue
		}
		src.Name = strings.TrimSpace(src.Name)
		sources = append(sources, src)
	}
	cfg.RTSPSources = sources
	return cfg
}

func normalizeDevice(d DeviceConfig) DeviceConfig {
	d.DeviceID = strings.TrimSpace(d.DeviceID)
	if strings.TrimSpace(d.Name) == "" {
		d.Name = "GB28181 Restreamer"
	}
	if strings.TrimSpace(d.Manufacturer) == "" {
		d.Manufacturer = "GB28181-Restreamer"
	}
	if strings.TrimSpace(d.Model) == "" {
		d.Model = "Restreamer-1"
	}
	if strings.TrimSpace(d.Firmware) == "" {
		d.Firmware = "1.0.0"
	}
	if strings.TrimSpace(d.Owner) == "" {
		d.Owner = "gb28181-restreamer"
	}
	if d.MaxCamera <= 0 {
		d.MaxCamera = 64
	}
	if d.MaxAlarm < 0 {
		d.MaxAlarm = 0
	}
	return d
}

func normalizeSIP(s SIPConfig, deviceID string) SIPConfig {
	s.ServerID = strings.TrimSpace(s.ServerID)
	s.ServerIP = strings.TrimSpace(s.ServerIP)
	if s.ServerPort <= 0 {
		s.ServerPort = 5060
	}
	if strings.TrimSpace(s.Domain) == "" && len(s.ServerID) >= 10 {
		s.Domain = s.ServerID[:10]
	}
	if strings.TrimSpace(s.Username) == "" {
		s.Username = deviceID
	}
	if s.LocalPort <= 0 {
		s.LocalPort = 5080
	}
	s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
	if s.Transport == "" {
		s.Transport = "udp"
	}
	if strings.TrimSpace(s.UserAgent) == "" {
		s.UserAgent = "GB28181-Restreamer/1.0"
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = Duration(5 * time.Second)
	}
	if s.SendAttempts <= 0 {
		s.SendAttempts = 3
	}
	if s.SendRetryBase <= 0 {
		s.SendRetryBase = Duration(200 * time.Millisecond)
	}
	return s
}

func normalizeRegistration(r RegistrationConfig) RegistrationConfig {
	if r.Expires <= 0 {
		r.Expires = 3600
	}
	if r.KeepaliveInterval <= 0 {
		r.KeepaliveInterval = Duration(60 * time.Second)
	}
	if r.PlatformKeepaliveTimeout <= 0 {
		r.PlatformKeepaliveTimeout = Duration(180 * time.Second)
	}
	if r.KeepaliveMissLimit <= 0 {
		r.KeepaliveMissLimit = 3
	}
	if r.RenewalRatio == 0 {
		r.RenewalRatio = 0.75
	}
	if r.EmergencyRatio == 0 {
		r.EmergencyRatio = 0.96
	}
	if r.RetryBase <= 0 {
		r.RetryBase = Duration(2 * time.Second)
	}
	if r.RetryMax <= 0 {
		r.RetryMax = Duration(60 * time.Second)
	}
	if r.AckTimeout <= 0 {
		r.AckTimeout = Duration(10 * time.Second)
	}
	if r.TickInterval <= 0 {
		r.TickInterval = Duration(time.Second)
	}
	return r
}

func normalizeCatalog(c CatalogConfig) CatalogConfig {
	if c.PayloadBudget == 0 {
		c.PayloadBudget = 1200
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = Duration(2 * time.Second)
	}
	if c.PageInterval <= 0 {
		c.PageInterval = Duration(20 * time.Millisecond)
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = Duration(60 * time.Second)
	}
	if c.RecordQueryLimit <= 0 {
		c.RecordQueryLimit = 100
	}
	return c
}

func normalizeSession(s SessionConfig) SessionConfig {
	if s.MaxRetries == 0 {
		s.MaxRetries = 5
	}
	if s.RetryBase <= 0 {
		s.RetryBase = Duration(time.Second)
	}
	if s.RetryMax <= 0 {
		s.RetryMax = Duration(30 * time.Second)
	}
	if s.RetryJitter == 0 {
		s.RetryJitter = 0.2
	}
	if s.HealthInterval <= 0 {
		s.HealthInterval = Duration(5 * time.Second)
	}
	if s.HealthGrace <= 0 {
		s.HealthGrace = Duration(15 * time.Second)
	}
	if s.StartTimeout <= 0 {
		s.StartTimeout = Duration(15 * time.Second)
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = Duration(5 * time.Second)
	}
	if s.PollTimeout <= 0 {
		s.PollTimeout = Duration(2 * time.Second)
	}
	if s.HistorySize <= 0 {
		s.HistorySize = 64
	}
	return s
}

func normalizeMedia(m MediaConfig) MediaConfig {
	if m.PortStart <= 0 {
		m.PortStart = 31000
	}
	if m.PortEnd <= 0 {
		m.PortEnd = m.PortStart + 200
	}
	if m.PayloadType <= 0 {
		m.PayloadType = 33
	}
	m.VideoCodec = strings.TrimSpace(m.VideoCodec)
	if m.VideoCodec == "" {
		m.VideoCodec = "libx264"
	}
	if m.StallTimeout <= 0 {
		m.StallTimeout = Duration(10 * time.Second)
	}
	return m
}

func absPathWithBase(target string, base string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	if filepath.IsAbs(target) {
		return target
	}
	if base == "" {
		if abs, err := filepath.Abs(target); err == nil {
			return abs
		}
		return target
	}
	if abs, err := filepath.Abs(filepath.Join(base, target)); err == nil {
		return abs
	}
	return filepath.Join(base, target)
}

// Load returns the current config snapshot without keeping a watcher alive.
func Load() (Config, error) {
	manager, err := NewManager()
	if err != nil {
		return Config{}, err
	}
	cfg := manager.Current()
	manager.StopWatching()
	return cfg, nil
}
