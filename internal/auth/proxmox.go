package auth

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/grandir66/sanoid-manager/internal/db"
)

// proxmoxTicketClient validates credentials by requesting an access ticket
// from the Proxmox API of the auth node. Only the ticket request is made; the
// ticket itself is discarded, the manager issues its own tokens.
type proxmoxTicketClient struct {
	// insecure skips TLS verification, for nodes with self-signed
	// certificates. Controlled per node via ProxmoxVerifySSL.
	client   *http.Client
	insecure *http.Client
}

func newProxmoxTicketClient() *proxmoxTicketClient {
	return &proxmoxTicketClient{
		client: &http.Client{Timeout: 10 * time.Second},
		insecure: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// ValidateTicket posts the credentials to /access/ticket and succeeds when
// the API returns a ticket.
func (c *proxmoxTicketClient) ValidateTicket(ctx context.Context, node *db.Node, username, password string) error {
	if node.ProxmoxAPIURL == "" {
		return fmt.Errorf("auth: node %s has no proxmox api url", node.Name)
	}

	endpoint := strings.TrimRight(node.ProxmoxAPIURL, "/") + "/access/ticket"
	form := url.Values{
		"username": {username},
		"password": {password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("auth: building ticket request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := c.client
	if !node.ProxmoxVerifySSL {
		client = c.insecure
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("auth: ticket request to %s: %w", node.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth: proxmox returned status %d", resp.StatusCode)
	}

	var body struct {
		Data struct {
			Ticket string `json:"ticket"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("auth: decoding ticket response: %w", err)
	}
	if body.Data.Ticket == "" {
		return fmt.Errorf("auth: proxmox returned no ticket")
	}
	return nil
}
