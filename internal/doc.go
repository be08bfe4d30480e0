// Package internal 實作西洋跳棋的配對與在線狀態協調服務。
//
// 服務回答每條連線的三個問題：誰在大廳等待、誰和誰已配對、
// 狀態改變或連線中斷時該通知誰。
//
// # 狀態
//
// 唯一的持久化實體是 Record，以 Kind 區分大廳席位與遊戲，
// 遊戲再以 Status 區分 waiting / invited / active。
// 所有處理器只透過 Registry 交換狀態，每次轉換都是一次 Commit：
// 以版本號做 compare-and-set，並在儲存層保證每個連線最多屬於一筆記錄。
//
// Registry 有三種後端：
//   - MemoryRegistry：單機、開發與測試
//   - RedisRegistry：Lua 腳本原子提交，多實例共用
//   - PostgresRegistry：SERIALIZABLE 交易，多實例共用
//
// # 事件與投遞
//
// Hub 把 WebSocket 轉成三種事件（OnConnect / OnDisconnect / OnMessage）交給 Matchmaker，
// 同時以連線 ID 提供投遞能力。投遞結果分成成功、ErrGone、其他錯誤三類，
// 只有 ErrGone 會觸發記錄清理。多實例部署時由 NATSBridge / NATSDeliverer
// 把投遞請求轉給持有該連線的實例。
//
// 每個事件都有一個 span，並以 Metrics 記錄事件數、耗時與被清除的離線記錄；
// 未設定 OpenTelemetry provider 時兩者都是 noop。
//
// # 使用範例
//
//	registry := internal.NewMemoryRegistry(logger)
//	hub := internal.NewHub(config.HubConfig(), logger)
//	deliverer := internal.NewRouter(hub, nil, logger)
//	presence := internal.NewPresence(registry, deliverer, 16, 5, logger)
//	matchmaker := internal.NewMatchmaker(registry, deliverer, presence, config.MatchmakerConfig(), logger)
//	hub.SetEventHandler(matchmaker)
//
//	handler := internal.NewHandler(registry, hub, logger)
//	log.Fatal(http.ListenAndServe(":8080", handler.Routes()))
//
// 客戶端連接：
//
//	ws://localhost:8080/ws?username=alice        進入大廳
//	ws://localhost:8080/ws?gameId=g1&username=bob 直接連結
//
// # 訊息
//
// 所有訊息都是 {"type": ..., "data": {...}}。遊戲範圍的訊息必須帶 data.gameId；
// 未知類型視為對局內訊息，原樣轉給對手。
package internal
