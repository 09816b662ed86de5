package web

import (
	"fmt"
	"net"
)

type Config struct {
	Port uint32
	// Network is only reported by the info endpoint.
	Network string
}

func (c Config) Validate() error {
	lis, err := net.Listen("tcp", c.address())
	if err != nil {
		return fmt.Errorf("invalid http port: %s", err)
	}
	// nolint:all
	lis.Close()
	return nil
}

func (c Config) address() string {
	return fmt.Sprintf(":%d", c.Port)
}
