// Package processing RAW画像のバックグラウンド現像を担う
//
// # 責務
// - 撮影経路から切り離された現像キューの管理
// - センサーダンプの退避（バックアップ）とサイドカー保存
// - DNGへの一次エンコードと代替形式へのフォールバック
// - 中断された現像の起動時回収（整合性チェック）
//
// # 仕様
// - キューは容量制限付きで、満杯時は即時拒否または短い待機後に拒否する
// - 消費ワーカーは1つで、追加された順に処理する
// - 停止は番兵の投入で行い、番兵より前の項目はすべて処理される
// - RAWバックアップの失敗は現像を止めないが、必ず記録される
package processing
