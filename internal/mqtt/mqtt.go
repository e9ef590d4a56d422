package mqtt

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type Client struct {
	client paho.Client
}

type Message struct {
	paho.Message
}

// Connect dials the broker. mqtt:// and mqtts:// URLs are rewritten to the
// tcp:// and ssl:// schemes paho expects.
func Connect(brokerURL, clientID string) (*Client, error) {
	url := strings.TrimSpace(brokerURL)
	if url == "" {
		return nil, errors.New("mqtt broker url is empty")
	}
	switch {
	case strings.HasPrefix(url, "mqtt://"):
		url = "tcp://" + strings.TrimPrefix(url, "mqtt://")
	case strings.HasPrefix(url, "mqtts://"):
		url = "ssl://" + strings.TrimPrefix(url, "mqtts://")
	}
	if strings.TrimSpace(clientID) == "" {
		clientID = "telemetry-service-" + time.Now().Format("150405.000")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(url)
	opts.SetClientID(clientID)
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ paho.Client) {
		slog.Info("mqtt connected", "broker", url)
	}

	c := paho.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

// Subscribe registers handler at QoS 1. Handlers run on paho's router
// goroutine, so they should not block for long.
func (c *Client) Subscribe(topic string, handler func(Message)) error {
	tok := c.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		handler(Message{Message: msg})
	})
	tok.Wait()
	return tok.Error()
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}
