package command

import (
	"fmt"
	"time"

	"github.com/pixil98/go-entsync/internal/messaging"
	"github.com/pixil98/go-entsync/internal/view"
	"github.com/pixil98/go-errors"
)

type NatsConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	StartTimeout   string `json:"start_timeout"`
	RequestTimeout string `json:"request_timeout"`
	// Embedded runs a broker in process. Url is used to reach an external one.
	Embedded bool   `json:"embedded"`
	Url      string `json:"url"`
}

func (n *NatsConfig) validate() error {
	el := errors.NewErrorList()

	if n.StartTimeout != "" {
		_, err := time.ParseDuration(n.StartTimeout)
		if err != nil {
			el.Add(fmt.Errorf("parsing start_timeout: %w", err))
		}
	}
	if n.RequestTimeout != "" {
		_, err := time.ParseDuration(n.RequestTimeout)
		if err != nil {
			el.Add(fmt.Errorf("parsing request_timeout: %w", err))
		}
	}
	if !n.Embedded && n.Url == "" {
		el.Add(fmt.Errorf("url is required unless embedded is set"))
	}
	if n.Embedded && n.Port < 0 {
		el.Add(fmt.Errorf("port must be fixed for an embedded server"))
	}

	return el.Err()
}

func (c *NatsConfig) buildNatsServer() (*messaging.NatsServer, error) {
	var opts []messaging.NatsServerOpt
	if c.StartTimeout != "" {
		d, err := time.ParseDuration(c.StartTimeout)
		if err != nil {
			return nil, fmt.Errorf("parsing start_timeout: %w", err)
		}
		opts = append(opts, messaging.WithStartTimeout(d))
	}
	if c.Host != "" {
		opts = append(opts, messaging.WithHost(c.Host))
	}
	if c.Port != 0 {
		opts = append(opts, messaging.WithPort(c.Port))
	}

	s, err := messaging.NewNatsServer(opts...)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// clientURL is where the transport connects: the configured url, or the
// embedded server.
func (c *NatsConfig) clientURL(embedded *messaging.NatsServer) string {
	if c.Url != "" || embedded == nil {
		return c.Url
	}
	return embedded.ClientURL()
}

func (c *NatsConfig) buildTransport(nodeId, url string, subjects *messaging.Subjects, cache *view.Cache) (*messaging.Transport, error) {
	opts := []messaging.TransportOpt{messaging.WithSubjects(subjects)}
	if c.RequestTimeout != "" {
		d, err := time.ParseDuration(c.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("parsing request_timeout: %w", err)
		}
		opts = append(opts, messaging.WithRequestTimeout(d))
	}

	return messaging.NewTransport(nodeId, url, cache, opts...)
}
