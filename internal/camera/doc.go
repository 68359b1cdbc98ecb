// Package camera GMSLセンサーからの連続キャプチャと自動復旧を担う
//
// # 責務
// - センサーからのフレーム取得 (プロデューサー)
// - 上限付きキューによる取得と公開の分離 (深さ2、古いフレームから捨てる)
// - 最新フレームの公開 (コンシューマーとFrameSlot)
// - フリーズの検出と再起動 (ヘルスコントローラー)
// - 同一プロセス内のセッションで共有するプロバイダーと状態表 (DeviceRegistry)
// - 複数カメラの管理 (Manager)
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - センサーの停止や切断から人手を介さず復旧したい
// - 取得の遅延を配信側に伝播させたくない
// - 複数のセンサーを1つのプロセスで扱いたい
//
// # 仕様
//   - Session: Open / Close と公開フレームへのアクセス
//   - プロデューサー: WaitFrame を約100msのタイムアウトで繰り返す
//   - フリーズ判定: 最後の正常フレームから FreezeTimeout (2秒) を超えた時点、
//     または切断・取り消し・EOSを受けた時点で候補を立てる。
//     最初のフレームを受け取る前と、他のデバイスがオープン中の間は判定しない
//   - 再起動: ワーカーとデバイスを止め、プロバイダーを作り直し、元の設定で開き直す。
//     失敗した場合はセッションをClosedにして ErrRebootFailed を記録する (再試行しない)
//   - ドライバー: Provider / Device / Controls インターフェース。
//     実装は internal/backend 以下と SimulatedRig
//
// # 前提要件
//   - 実機では internal/backend/argus (GStreamer + nvarguscamerasrc) または
//     internal/backend/v4l2 を BackendFactory に登録して使う
//   - テストは SimulatedRig と ManualClock で実機なしに動く
package camera
