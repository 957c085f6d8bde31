// Package camera カメラセッションと撮影フローの管理を担う
//
// # 責務
// - カメラバックエンドの自動検出とデバイス生成
// - プレビュー/高解像度静止画/rawのモード切替とセッション管理
// - タイムアウト監視付きの撮影実行と強制リセットからの自動復旧
// - 撮影番号の連番割り当てとディスクとの整合
// - オートフォーカスの走査とフォーカスロック
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 単一カメラで待機プレビューと高解像度撮影を切り替えたい
// - ハングしたデバイスを検知してセッションを作り直したい
// - rawセンサーダンプを現像キューへ受け渡したい
//
// # 仕様
// - Orchestrator: 撮影要求の受付・連番確定・現像キュー投入の統括
// - ModeController: 1セッション分のモード状態と制御値の管理
// - CaptureSupervisor: 開始2秒/完了10秒のタイムアウト監視
// - SequenceAllocator: 起動時走査とメモリ上での連番採番
// - Device実装: rpicam-apps / V4L2 (go4vl) / モックの3系統
// - Thread-safe な操作をサポート
// - エラーハンドリングとログ出力を統合
//
// # 前提要件
//   - rpicam-apps: CSIカメラでの撮影に使用（Raspberry Pi OS Bookworm以降は標準搭載）
//     sudo apt install rpicam-apps
//   - v4l-utils: デバイス検出とデバイス名の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
