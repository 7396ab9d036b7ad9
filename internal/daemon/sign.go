package daemon

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/basket/plat/internal/audit"
	"github.com/basket/plat/internal/confirm"
	"github.com/basket/plat/internal/identity"
	"github.com/basket/plat/internal/otel"
)

// SignRequest is the POST /api/sig body.
type SignRequest struct {
	Data       string `json:"base64_url_data_string"`
	Describe   string `json:"describe,omitempty"`
	PluginName string `json:"plugin_name,omitempty"`
}

// VerifyRequest is the POST /api/verify body.
type VerifyRequest struct {
	Data      string `json:"base64_url_data_string"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
}

// Sign asks the operators to approve signing req.Data and signs it with the
// daemon key on allow. A deny yields confirm.ErrDenied; a payload that is not
// base64url yields identity.ErrMalformed before anyone is asked.
func (d *Daemon) Sign(ctx context.Context, req SignRequest) (identity.SignBox, error) {
	id := uuid.NewString()
	ctx, span := otel.StartSpan(ctx, d.tracer, "daemon.sign",
		attribute.String("plat.sign.id", id),
		otel.AttrPluginName.String(req.PluginName),
	)
	defer span.End()

	if _, err := identity.Encoding.DecodeString(req.Data); err != nil {
		return identity.SignBox{}, identity.ErrMalformed
	}
	err := d.broker.Confirm(ctx, confirm.Request{
		Kind: confirm.KindSign,
		Key:  id,
		Payload: confirm.SignPayload{
			ID:         id,
			Data:       req.Data,
			Describe:   req.Describe,
			PluginName: req.PluginName,
			PublicKey:  d.id.PublicKey,
		},
	})
	if err != nil {
		return identity.SignBox{}, err
	}
	return d.id.Sign(req.Data)
}

// Verify checks a detached signature. It needs no approval.
func (d *Daemon) Verify(req VerifyRequest) (bool, error) {
	ok, err := identity.Verify(identity.SignBox{PublicKey: req.PublicKey, Signature: req.Signature}, req.Data)
	switch {
	case err != nil:
		audit.Record(audit.Deny, "identity.verify", "malformed input", req.PublicKey)
	case !ok:
		audit.Record(audit.Deny, "identity.verify", "signature mismatch", req.PublicKey)
	default:
		audit.Record(audit.Allow, "identity.verify", "valid="+strconv.FormatBool(ok), req.PublicKey)
	}
	return ok, err
}
