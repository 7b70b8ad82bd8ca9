package cli

import (
	"context"

	"github.com/frankonly/auditchain/api"
)

var apiClient *api.Client

// Client news or returns an auditchain client
func Client() (*api.Client, error) {
	if apiClient == nil {
		client, err := api.Dial(endpoint, secureConn)
		if err != nil {
			return nil, err
		}

		apiClient = client
	}

	return apiClient, nil
}

// SetClient replaces the client used by commands
func SetClient(client *api.Client) {
	apiClient = client
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
