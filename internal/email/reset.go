package email

import (
	"context"
	"fmt"
)

// SendPasswordReset composes and sends a password-reset email containing a link the recipient must visit to choose a
// new password. The link embeds the single-use reset token minted by the auth service.
func (c *Client) SendPasswordReset(ctx context.Context, to, token, serverURL, serverName string) error {
	subject := fmt.Sprintf("Reset your %s password", serverName)
	body := resetBody(serverName, serverURL, token)
	return c.Send(ctx, to, subject, body)
}

// resetBody returns the plain text body for a password-reset message.
func resetBody(serverName, serverURL, token string) string {
	return fmt.Sprintf(
		"We received a request to reset the password for your %s account.\n\n"+
			"Choose a new password by visiting the link below:\n\n"+
			"%s/reset-password?token=%s\n\n"+
			"This link expires in 30 minutes. If you did not request a password reset, you can safely ignore this email.\n",
		serverName, serverURL, token,
	)
}
