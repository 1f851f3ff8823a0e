package redisstream

// Settings holds Redis Streams transport configuration for the event bus.
type Settings struct {
	Enabled  bool   `env:"REDIS_ENABLED" envDefault:"false"`
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Group    string `env:"REDIS_GROUP" envDefault:"switchboard"`
	Consumer string `env:"REDIS_CONSUMER" envDefault:"switchboard-1"`
}
