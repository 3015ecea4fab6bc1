package compliance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	return NewRegistry(
		Variant{Type: CheckMFA, Title: "MFA", NewDetails: func() any { return &MFADetails{} }},
		Variant{Type: CheckRLS, Title: "RLS", NewDetails: func() any { return &RLSDetails{} }},
	)
}

func TestDecodeDetailsVariants(t *testing.T) {
	r := testRegistry()

	got, err := r.DecodeDetails(CheckMFA, `{"total_users":2,"users_with_mfa":1,"users_without_mfa":1,"compliance_percentage":50,"users":[]}`)
	require.NoError(t, err)
	mfa, ok := got.(*MFADetails)
	require.True(t, ok)
	assert.Equal(t, 1, mfa.UsersWithoutMFA)
	assert.Equal(t, 50.0, mfa.CompliancePercentage)

	got, err = r.DecodeDetails(CheckRLS, `{"error":"boom"}`)
	require.NoError(t, err)
	assert.Equal(t, ErrorDetails{Error: "boom"}, got)

	got, err = r.DecodeDetails(CheckRLS, `{"message":"Starting RLS compliance check..."}`)
	require.NoError(t, err)
	assert.Equal(t, NoteDetails{Message: "Starting RLS compliance check..."}, got)

	got, err = r.DecodeDetails(CheckRLS, "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecodeDetailsUnknownType(t *testing.T) {
	_, err := testRegistry().DecodeDetails(CheckPITR, `{"pitr_enabled":true}`)
	assert.Error(t, err)
}

func TestRegistryTitleFallsBackToUpperType(t *testing.T) {
	r := testRegistry()
	assert.Equal(t, "MFA", r.Title(CheckMFA))
	assert.Equal(t, "PITR", r.Title(CheckPITR))
}
