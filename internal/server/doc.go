// Package server は、撮影サーバーのHTTP APIを提供します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// 撮影・フォーカス操作・状態取得エンドポイントの処理を担当します。
//
// 責務:
//   - HTTPサーバーの起動と管理
//   - 撮影トリガーと結果の返却
//   - フォーカス操作（走査・固定・解除）の受付
//   - 状態・撮影一覧の提供
//   - グレースフルシャットダウン（HTTP停止後に撮影系を停止）
//
// 仕様:
//   - ルーティングはgin-gonic/ginを使用
//   - 撮影エラーは分類ごとにHTTP状態コードへ対応づける
//   - 撮影要求はサーバー側で直列化され、進行中は409を返す
package server
