package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Commands renders client results for the command line.
type Commands struct {
	client *Client
	out    io.Writer
}

func NewCommands(client *Client, out io.Writer) *Commands {
	return &Commands{client: client, out: out}
}

func (c *Commands) Create(ctx context.Context, content string, ttlSeconds, maxViews int64) error {
	in := CreateRequest{Content: content}
	if ttlSeconds > 0 {
		in.TTLSeconds = &ttlSeconds
	}
	if maxViews > 0 {
		in.MaxViews = &maxViews
	}
	result, err := c.client.CreatePaste(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Paste created:\n")
	fmt.Fprintf(c.out, "ID: %s\n", result.ID)
	fmt.Fprintf(c.out, "URL: %s\n", result.URL)
	return nil
}

func (c *Commands) Get(ctx context.Context, id string) error {
	paste, err := c.client.GetPaste(ctx, id)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Unavailable() {
			fmt.Fprintf(c.out, "Paste '%s' unavailable: %s\n", id, apiErr.Message)
			return nil
		}
		return err
	}
	if paste.ExpiresAt != nil {
		fmt.Fprintf(c.out, "Expires At: %s\n", paste.ExpiresAt.Format(time.RFC3339))
	}
	if paste.RemainingViews != nil {
		fmt.Fprintf(c.out, "Remaining Views: %d\n", *paste.RemainingViews)
	}
	fmt.Fprintf(c.out, "%s", paste.Content)
	if len(paste.Content) > 0 && paste.Content[len(paste.Content)-1] != '\n' {
		fmt.Fprintln(c.out)
	}
	return nil
}
