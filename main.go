package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zhukovaskychina/minisql-server/logger"
	"github.com/zhukovaskychina/minisql-server/server/conf"
	"github.com/zhukovaskychina/minisql-server/server/engine"
)

const help = `
*****************************************************************************
 MiniSQL Server - disk-oriented transactional SQL engine
*帮助:
*1. -- help
*2. -- configPath   指定minisql.ini配置文件
*****************************************************************************
`

func main() {
	var configPath string
	var showHelp bool
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.BoolVar(&showHelp, "help", false, "显示帮助")
	flag.Parse()

	if showHelp {
		fmt.Print(help)
		return
	}

	cfg := conf.NewCfg().Load(configPath)
	if err := logger.InitLogger(logger.LogConfig{
		InfoLogPath:  cfg.InfoLogPath,
		ErrorLogPath: cfg.ErrorLogPath,
		LogLevel:     cfg.LogLevel,
	}); err != nil {
		fmt.Println("init logger:", err)
		os.Exit(1)
	}

	db, err := engine.OpenDatabase(cfg)
	if err != nil {
		logger.Errorf("open database: %v", err)
		os.Exit(1)
	}

	// 会话前端（网络/REPL）在内核之外挂接，这里只托管生命周期
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infof("shutting down")
	if err := db.Close(); err != nil {
		logger.Errorf("close database: %v", err)
		os.Exit(1)
	}
}
