// Package server は、キャプチャセッションをHTTPで公開します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// 最新フレームのJPEG配信とMJPEGストリーミングを担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - カメラ状態・統計の提供 (/api/cameras)
//   - 最新フレームのJPEG配信 (/api/cameras/:id/frame)
//   - MJPEGストリーミング (/api/cameras/:id/stream)
//   - ISP制御の変更 (/api/cameras/:id/controls)
//   - カメラの開始・停止
//
// 仕様:
//   - ルーティングはgin、ログはlogrusを使用
//   - フレームは共有スロットからクライアントごとのバッファへコピーしてからエンコードする
//   - ストリームはセッションの再起動中も接続を保ち、Closedになると終了する
//   - 複数クライアントの同時接続をサポート
package server
