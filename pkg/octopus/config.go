package octopus

import (
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/octoflex/octoflex/pkg/common"
)

// Configured sets up flags for the kraken client and returns the instance.
func Configured() *Client {
	c := &Client{
		client: common.HTTPClient(time.Minute),
	}
	endpoint := lflag.String("kraken-endpoint", defaultEndpoint, "URL for the Kraken GraphQL API")
	email := lflag.String("kraken-email", "", "Email for the Kraken API login")
	password := lflag.String("kraken-password", "", "Password for the Kraken API login")
	account := lflag.String("kraken-account", "", "Account number to operate on")

	lflag.Do(func() {
		c.endpoint = *endpoint
		c.email = *email
		c.password = *password
		c.account = *account
	})

	return c
}
