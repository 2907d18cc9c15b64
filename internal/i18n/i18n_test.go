// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package i18n_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/storekit/verimail/internal/i18n"
)

func TestInit(t *testing.T) {
	err := i18n.Init()

	require.NoError(t, err)
}

func TestT(t *testing.T) {
	require.NoError(t, i18n.Init())
	ctx := i18n.WithLocale(context.Background(), language.English)

	msg := i18n.T(ctx, "verification_email_subject")

	assert.Equal(t, "Please verify your email", msg)
}

func TestT_German(t *testing.T) {
	require.NoError(t, i18n.Init())
	ctx := i18n.WithLocale(context.Background(), language.German)

	msg := i18n.T(ctx, "verification_email_subject")

	assert.Equal(t, "Bitte bestätige deine E-Mail-Adresse", msg)
}

func TestT_UnknownMessageFallsBackToID(t *testing.T) {
	require.NoError(t, i18n.Init())
	ctx := i18n.WithLocale(context.Background(), language.English)

	msg := i18n.T(ctx, "does_not_exist")

	assert.Equal(t, "does_not_exist", msg)
}

func TestTData(t *testing.T) {
	require.NoError(t, i18n.Init())
	ctx := i18n.WithLocale(context.Background(), language.English)

	msg := i18n.TData(ctx, "verification_email_body", map[string]any{
		"VerifyURL": "https://shop.example.com/verify?user_id=u&token=tok",
	})

	assert.Contains(t, msg, "https://shop.example.com/verify?user_id=u&token=tok")
}

func TestGetLocale(t *testing.T) {
	require.NoError(t, i18n.Init())

	ctx := i18n.WithLocale(context.Background(), language.German)
	assert.Equal(t, "de", i18n.GetLocale(ctx))

	// No locale set falls back to English
	assert.Equal(t, "en", i18n.GetLocale(context.Background()))
}

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		header   string
		expected language.Tag
	}{
		{"en-US,en;q=0.9", language.English},
		{"de-DE,de;q=0.9", language.German},
		{"fr-FR", language.English}, // unsupported falls back
		{"", language.English},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			tag := i18n.MatchLanguage(tt.header)
			base, _ := tag.Base()
			expectedBase, _ := tt.expected.Base()
			assert.Equal(t, expectedBase, base)
		})
	}
}
