// Command fedcal はイベントカレンダーのActivityPubフェデレーションサーバー。
//
// サブコマンド: serve（デフォルト）、worker、migrate、rollback、healthcheck。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/fedcal/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fedcal: %v\n", err)
		os.Exit(1)
	}
}
