package okx

import (
	"net/http"
	"time"

	"quantbot/internal/logger"

	"github.com/sirupsen/logrus"
)

type Client struct {
	baseURL    string
	wsURL      string
	apiKey     string
	secret     string
	passphrase string
	simulated  bool

	httpClient *http.Client
	log        *logger.Logger
}

func New(baseURL, wsURL, apiKey, secret, passphrase string, simulated bool, log *logger.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		wsURL:      wsURL,
		apiKey:     apiKey,
		secret:     secret,
		passphrase: passphrase,
		simulated:  simulated,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

func (c *Client) logEntry() *logrus.Entry {
	return c.log.WithComponent("okx")
}
