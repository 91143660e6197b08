package s3provider_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repertory/internal/provider"
	"repertory/internal/provider/s3provider"
)

func TestNewRequiresBucket(t *testing.T) {
	_, err := s3provider.New([]byte(`{"region":"us-east-1"}`))
	assert.Error(t, err)
}

func TestNewBuildsProvider(t *testing.T) {
	p, err := s3provider.New([]byte(`{"bucket":"my-bucket","region":"us-east-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "s3", p.Name())
	assert.True(t, p.SupportsRename())
	assert.True(t, p.SupportsRangedRead())
}

func TestRegisteredUnderS3(t *testing.T) {
	p, err := provider.New("s3", []byte(`{"bucket":"my-bucket"}`))
	require.NoError(t, err)
	assert.Equal(t, "s3", p.Name())
}
