// Package config provides type-safe environment variable loading with
// per-type caching. Struct fields are tagged with `env` and `envDefault`;
// parsing is delegated to the caarlos0/env library, and a .env file is
// loaded automatically on first use.
//
//	type ServerConfig struct {
//		Addr string `env:"SERVER_ADDR" envDefault:":8080"`
//	}
//
//	var cfg ServerConfig
//	if err := config.Load(&cfg); err != nil {
//		log.Fatal(err)
//	}
//
// Each configuration type is parsed once per process lifetime; later calls
// for the same type observe the cached value.
package config
