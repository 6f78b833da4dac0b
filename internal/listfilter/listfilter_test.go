// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package listfilter

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"censorlab.dev/censorlab/internal/action"
)

func TestPortBlocklistDrop(t *testing.T) {
	c := &Combined{
		Block: &List{
			Store:       NewPortBitmap(80),
			Disposition: Block,
			Action:      action.Action{Kind: action.Drop},
		},
	}

	act, ok := EvaluatePort(c, 80)
	require.True(t, ok)
	require.Equal(t, action.Drop, act.Kind)

	_, ok = EvaluatePort(c, 443)
	require.False(t, ok)
}

func TestAllowlistDropsNonMembers(t *testing.T) {
	c := &Combined{
		Allow: &List{
			Store:       NewSetStore("10.0.0.2", "10.0.0.3"),
			Disposition: Allow,
			Action:      action.Action{Kind: action.Drop},
		},
	}

	act, ok := EvaluateIP(c, net.IPv4(8, 8, 8, 8))
	require.True(t, ok)
	require.Equal(t, action.Drop, act.Kind)

	_, ok = EvaluateIP(c, net.IPv4(10, 0, 0, 2))
	require.False(t, ok)
}

func TestBlockConsultedBeforeAllow(t *testing.T) {
	// P7: recommend_either / combined evaluation is non-commutative —
	// block masks allow even when the allowlist would also trigger.
	c := &Combined{
		Block: &List{
			Store:       NewSetStore("10.0.0.2"),
			Disposition: Block,
			Action:      action.Action{Kind: action.Reset},
		},
		Allow: &List{
			Store:       NewSetStore("10.0.0.9"), // 10.0.0.2 is NOT allowed either
			Disposition: Allow,
			Action:      action.Action{Kind: action.Drop},
		},
	}

	act, ok := EvaluateIP(c, net.IPv4(10, 0, 0, 2))
	require.True(t, ok)
	require.Equal(t, action.Reset, act.Kind, "block's Reset must win over allow's Drop")
}

func TestResetRejectedAtEthernetTier(t *testing.T) {
	c := &Combined{
		Block: &List{
			Store:       NewSetStore("02:00:00:00:00:01"),
			Disposition: Block,
			Action:      action.Action{Kind: action.Reset},
		},
	}

	mac, _ := net.ParseMAC("02:00:00:00:00:01")
	_, ok := EvaluateMAC(c, mac)
	require.False(t, ok, "Reset must be ignored at the MAC tier")
}

func TestRecommendEitherEvaluatesANonCommutatively(t *testing.T) {
	var calledB bool
	a := func() (action.Action, bool) { return action.Action{Kind: action.Drop}, true }
	b := func() (action.Action, bool) { calledB = true; return action.Action{Kind: action.Reset}, true }

	act, ok := RecommendEither(a, b)
	require.True(t, ok)
	require.Equal(t, action.Drop, act.Kind)
	require.False(t, calledB, "b must not be evaluated once a is terminal")
}
