package config

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Redis struct {
		// 为空则用进程内 presence（单副本开发模式）
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		// 为空则不外发变更事件
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Presence struct {
		TTLSeconds   int `mapstructure:"ttlSeconds"`   // 心跳超时，默认 30
		SweepSeconds int `mapstructure:"sweepSeconds"` // 后台清扫周期，默认 10
	} `mapstructure:"presence"`
	Collab struct {
		InactiveMinutes int `mapstructure:"inactiveMinutes"` // 文档闲置回收窗口，默认 30
		PendingCap      int `mapstructure:"pendingCap"`      // 单文档待重试队列上限
		AutosaveSeconds int `mapstructure:"autosaveSeconds"` // 自动存档巡检周期，0 关闭
		KafkaQueueSize  int `mapstructure:"kafkaQueueSize"`  // 事件本地队列
		KafkaWorkers    int `mapstructure:"kafkaWorkers"`    // 发送 worker 数
		KafkaMaxRetry   int `mapstructure:"kafkaMaxRetry"`   // 单事件最大重试
	} `mapstructure:"collab"`
}
