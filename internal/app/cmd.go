package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は発見エンドポイントとinboxを公開するサーバーモード。
	CommandServe Command = "serve"
	// CommandWorker は再送・アクター再取得・クリーンアップを実行するワーカーモード。
	CommandWorker Command = "worker"
	// CommandMigrate は未適用のマイグレーションをすべて適用する。
	CommandMigrate Command = "migrate"
	// CommandRollback は直近のマイグレーションを1つ戻す。
	CommandRollback Command = "rollback"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// commands は受け付けるサブコマンドの一覧。
var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandRollback):    CommandRollback,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
