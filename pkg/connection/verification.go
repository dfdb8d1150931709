package connection

import (
	"context"

	"github.com/armorclaw/matrixsdk/pkg/e2ee/verification"
	"github.com/armorclaw/matrixsdk/pkg/job"
	"github.com/armorclaw/matrixsdk/pkg/mxerr"
)

// GenerateVerificationQR builds the reciprocation QR payload for an
// m.key.verification.* exchange in the given mode; it requires E2EE to
// be enabled, since the payload is keyed off the local Olm identity.
func (c *Connection) GenerateVerificationQR(txnID string, mode verification.QRMode) (*verification.Code, error) {
	if c.encryption == nil {
		return nil, mxerr.New(mxerr.KindIncorrectRequest, "verification requires e2ee to be enabled")
	}
	return c.encryption.GenerateVerificationQR(txnID, mode)
}

// BeginVerification starts tracking an outgoing SAS/QR verification with
// remoteUser's remoteDevice under a fresh transaction ID.
func (c *Connection) BeginVerification(remoteUser, remoteDevice string) *verification.Session {
	txnID := c.GenerateTxnId()
	return c.verificationRegs.Begin(remoteUser, remoteDevice, txnID)
}

// VerificationSession looks up an in-progress verification by the remote
// user and transaction ID.
func (c *Connection) VerificationSession(remoteUser, transactionID string) (*verification.Session, bool) {
	return c.verificationRegs.Get(remoteUser, transactionID)
}

// SendVerificationEvent sends a to-device m.key.verification.* event to a
// single (remoteUser, remoteDevice) pair.
func (c *Connection) SendVerificationEvent(ctx context.Context, remoteUser, remoteDevice, eventType string, content map[string]any) error {
	req := job.ToDeviceRequest{
		Messages: map[string]map[string]any{
			remoteUser: {remoteDevice: content},
		},
	}
	handle := c.opts.Runner.Run(ctx, job.NewSendToDeviceJob(eventType, c.GenerateTxnId(), req), job.Foreground)
	_, err := handle.Wait(ctx)
	if err != nil {
		return mxerr.Wrap(mxerr.KindIncorrectResponse, "sending verification event", err)
	}
	return nil
}
