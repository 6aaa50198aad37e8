package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flow-platform/internal/app"
	"flow-platform/pkg/config"
)

func main() {
	// 配置文件可选：COFLOW_CONFIG 显式指定时解析失败立即退出，
	// 缺省路径不存在则以全内存缺省配置启动
	cfgPath := os.Getenv("COFLOW_CONFIG")
	explicit := cfgPath != ""
	if cfgPath == "" {
		cfgPath = "configs/api.yaml"
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		if explicit {
			log.Fatalf("加载配置失败: %v", err)
		}
		log.Printf("未找到 %s，使用内存缺省配置", cfgPath)
		cfg = nil
	}

	ctx := context.Background()
	bootstrap, err := app.NewBootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	application, err := app.NewApp(bootstrap)
	if err != nil {
		log.Fatalf("创建 API 应用失败: %v", err)
	}

	addr := ":8080"
	if cfg != nil && cfg.API.Port > 0 {
		addr = fmt.Sprintf(":%d", cfg.API.Port)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(addr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		if err != nil {
			log.Fatalf("API 服务异常退出: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭失败: %v", err)
	}
	log.Println("API 服务已关闭")
}
