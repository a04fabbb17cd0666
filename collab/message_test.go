package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDecodeMessage(t *testing.T) {
	// a message kind this version does not know still decodes; the
	// receiver drops it with a warning instead of failing
	message, err := DecodeMessage([]byte(`{"type":"cursor","message":"later"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, MessageType("cursor"), message.Type)
	assert.Equal(t, false, message.Type == MessageTypeUpdate)

	// missing type is malformed
	_, err = DecodeMessage([]byte(`{"event":{}}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeMessage([]byte(`{not json`))
	assert.NotEqual(t, err, nil)
}

func TestUpdateKindClassification(t *testing.T) {
	// continuous kinds coalesce; everything else is discrete
	continuous := []UpdateKind{
		UpdateModuleMove,
		UpdateModuleConfig,
		UpdatePlayUpdate,
		UpdateVariableUpdate,
	}
	discrete := []UpdateKind{
		UpdateModuleAdd,
		UpdateModuleDelete,
		UpdateModuleResize,
		UpdateLinkAdd,
		UpdateLinkDelete,
		UpdateVariableAdd,
		UpdateVariableDelete,
		UpdateBlockCollapse,
		UpdateSectionCollapse,
	}
	for _, kind := range continuous {
		assert.Equal(t, true, kind.Continuous())
		assert.Equal(t, true, kind.Known())
	}
	for _, kind := range discrete {
		assert.Equal(t, false, kind.Continuous())
		assert.Equal(t, true, kind.Known())
	}
	assert.Equal(t, false, UpdateKind("galaxy_import").Known())
}

func TestByJwtRoundTrip(t *testing.T) {
	userId := NewId()
	secret := []byte("test-secret")

	jwt, err := MintByJwt(userId, "alice", secret)
	assert.Equal(t, err, nil)

	byJwt, err := ParseByJwt(jwt, secret)
	assert.Equal(t, err, nil)
	assert.Equal(t, userId, byJwt.UserId)
	assert.Equal(t, "alice", byJwt.UserName)

	unverified, err := ParseByJwtUnverified(jwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, userId, unverified.UserId)

	_, err = ParseByJwt(jwt, []byte("wrong-secret"))
	assert.NotEqual(t, err, nil)

	_, err = ParseByJwtUnverified("not-a-token")
	assert.NotEqual(t, err, nil)
}
