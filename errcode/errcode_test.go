package errcode_test

import (
	"testing"

	"github.com/busdriverd/busd/errcode"
)

func TestWireNameCoverage(t *testing.T) {
	// Every code except OK, PeerNotRegistered, InvalidMessage and
	// ProtocolViolation must translate to a wire error name: the first
	// is success, the rest drop the connection instead of replying.
	dropped := map[errcode.Code]bool{
		errcode.OK:                true,
		errcode.PeerNotRegistered: true,
		errcode.InvalidMessage:    true,
		errcode.ProtocolViolation: true,
	}
	for c := errcode.OK; c <= errcode.ProtocolViolation; c++ {
		_, ok := c.WireName()
		if dropped[c] && ok {
			t.Errorf("code %d: expected no wire name, got one", c)
		}
		if !dropped[c] && !ok {
			t.Errorf("code %d: expected a wire name, got none", c)
		}
	}
}

func TestDropsConnection(t *testing.T) {
	for _, c := range []errcode.Code{errcode.PeerNotRegistered, errcode.InvalidMessage, errcode.ProtocolViolation} {
		if !c.DropsConnection() {
			t.Errorf("code %v: want DropsConnection true", c)
		}
	}
	if errcode.Quota.DropsConnection() {
		t.Error("Quota: want DropsConnection false")
	}
}

func TestWireNames(t *testing.T) {
	cases := []struct {
		code errcode.Code
		want string
	}{
		{errcode.NameReserved, "org.freedesktop.DBus.Error.InvalidArgs"},
		{errcode.UnexpectedProperty, "org.freedesktop.DBus.Error.UnkonwnProperty"},
		{errcode.NameNotActivatable, "org.freedesktop.DBus.Error.ServiceUnknown"},
		{errcode.Quota, "org.freedesktop.DBus.Error.LimitsExceeded"},
	}
	for _, tc := range cases {
		got, ok := tc.code.WireName()
		if !ok || got != tc.want {
			t.Errorf("%v.WireName() = %q, %v; want %q, true", tc.code, got, ok, tc.want)
		}
	}
}
