package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
//
// 所有邏輯在 internal/cli，main.go 只負責啟動。
//
// 編譯與執行：
//   go run ./cmd/gearguard serve              # 開發用後端
//   go run ./cmd/gearguard run                # 掛載看板
//   go build -ldflags "-X main.version=1.0.0" -o bin/gearguard ./cmd/gearguard
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/gearguard-board/internal/cli"
)

// version 由 CI 以 -ldflags 注入
var version = ""

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if version != "" {
		rootCmd.Version = version
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}
