package conf

import (
	"path/filepath"
	"time"

	"gopkg.in/ini.v1"
)

// Cfg 服务端配置，来源于ini配置文件，缺省值内置
type Cfg struct {
	Raw *ini.File

	// [minisqld]
	BaseDir      string
	DataDir      string
	LogLevel     string
	InfoLogPath  string
	ErrorLogPath string

	// [storage]
	BufferPoolPages    int
	ReplacerPolicy     string // clock | lru
	FlushInterval      time.Duration
	DirtyFlushPercent  float64
	LogBufferSize      int
	LogFlushInterval   time.Duration

	// [transaction]
	EnableMVCC bool
	GCInterval time.Duration

	// [executor]
	JoinBlockSize  int
	SortMemRecords int
	SortDir        string
}

// NewCfg 返回带缺省值的配置
func NewCfg() *Cfg {
	return &Cfg{
		Raw:               ini.Empty(),
		BaseDir:           ".",
		DataDir:           "data",
		LogLevel:          "info",
		BufferPoolPages:   65536,
		ReplacerPolicy:    "clock",
		FlushInterval:     50 * time.Millisecond,
		DirtyFlushPercent: 0.4,
		LogBufferSize:     1 << 20,
		LogFlushInterval:  10 * time.Millisecond,
		EnableMVCC:        false,
		GCInterval:        time.Second,
		JoinBlockSize:     16,
		SortMemRecords:    1 << 16,
		SortDir:           "tmp",
	}
}

// Load 从配置文件加载，文件缺失时返回缺省配置
func (cfg *Cfg) Load(configPath string) *Cfg {
	if configPath == "" {
		return cfg
	}
	iniFile, err := ini.Load(configPath)
	if err != nil {
		return cfg
	}
	cfg.Raw = iniFile

	cfg.parseServerCfg(iniFile.Section("minisqld"))
	cfg.parseStorageCfg(iniFile.Section("storage"))
	cfg.parseTransactionCfg(iniFile.Section("transaction"))
	cfg.parseExecutorCfg(iniFile.Section("executor"))
	return cfg
}

func (cfg *Cfg) parseServerCfg(section *ini.Section) {
	cfg.BaseDir = section.Key("basedir").MustString(cfg.BaseDir)
	cfg.DataDir = section.Key("datadir").MustString(cfg.DataDir)
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(cfg.BaseDir, cfg.DataDir)
	}
	cfg.LogLevel = section.Key("log_level").MustString(cfg.LogLevel)
	cfg.InfoLogPath = section.Key("info_log").MustString(cfg.InfoLogPath)
	cfg.ErrorLogPath = section.Key("error_log").MustString(cfg.ErrorLogPath)
}

func (cfg *Cfg) parseStorageCfg(section *ini.Section) {
	cfg.BufferPoolPages = section.Key("buffer_pool_pages").MustInt(cfg.BufferPoolPages)
	cfg.ReplacerPolicy = section.Key("replacer").In(cfg.ReplacerPolicy, []string{"clock", "lru"})
	cfg.FlushInterval = section.Key("flush_interval").MustDuration(cfg.FlushInterval)
	cfg.DirtyFlushPercent = section.Key("dirty_flush_percent").MustFloat64(cfg.DirtyFlushPercent)
	cfg.LogBufferSize = section.Key("log_buffer_size").MustInt(cfg.LogBufferSize)
	cfg.LogFlushInterval = section.Key("log_flush_interval").MustDuration(cfg.LogFlushInterval)
}

func (cfg *Cfg) parseTransactionCfg(section *ini.Section) {
	cfg.EnableMVCC = section.Key("enable_mvcc").MustBool(cfg.EnableMVCC)
	cfg.GCInterval = section.Key("gc_interval").MustDuration(cfg.GCInterval)
}

func (cfg *Cfg) parseExecutorCfg(section *ini.Section) {
	cfg.JoinBlockSize = section.Key("join_block_size").MustInt(cfg.JoinBlockSize)
	cfg.SortMemRecords = section.Key("sort_mem_records").MustInt(cfg.SortMemRecords)
	cfg.SortDir = section.Key("sort_dir").MustString(cfg.SortDir)
}
