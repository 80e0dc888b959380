// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnc

import (
	"testing"

	"github.com/pion/stun/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStream(t *testing.T) {
	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.NewSoftware("x"))
	require.NoError(t, err)

	t.Run("full STUN", func(t *testing.T) {
		class, size := classifyStream(msg.Raw)
		assert.Equal(t, streamSTUN, class)
		assert.Equal(t, len(msg.Raw), size)
	})

	t.Run("incomplete STUN", func(t *testing.T) {
		class, _ := classifyStream(msg.Raw[:12])
		assert.Equal(t, streamSTUNIncomplete, class)
	})

	t.Run("needs more before cookie", func(t *testing.T) {
		class, _ := classifyStream(msg.Raw[:3])
		assert.Equal(t, streamNeedMore, class)
	})

	t.Run("channel data is not STUN", func(t *testing.T) {
		class, _ := classifyStream([]byte{0x40, 0x00, 0x00, 0x04})
		assert.Equal(t, streamNotSTUN, class)
	})

	t.Run("STUN-looking first byte with wrong cookie", func(t *testing.T) {
		// 00-prefixed first byte but bogus magic cookie must fall through
		// to the channel-data path, not the STUN path.
		b := append([]byte{}, msg.Raw...)
		b[4] = 0xFF
		class, _ := classifyStream(b)
		assert.Equal(t, streamNotSTUN, class)
	})

	t.Run("empty", func(t *testing.T) {
		class, _ := classifyStream(nil)
		assert.Equal(t, streamNeedMore, class)
	})
}
