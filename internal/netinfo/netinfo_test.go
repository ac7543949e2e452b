package netinfo

import (
	"context"
	"errors"
	"net"
	"testing"

	gnet "github.com/shirou/gopsutil/v4/net"
)

func staticSource(list gnet.InterfaceStatList, err error) InterfaceSource {
	return func(context.Context) (gnet.InterfaceStatList, error) {
		return list, err
	}
}

func TestPrimaryPrefersIPv4(t *testing.T) {
	r := NewResolverWithSource(staticSource(gnet.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: gnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
		{Name: "eth0", Flags: []string{"up", "broadcast"}, Addrs: gnet.InterfaceAddrList{
			{Addr: "fe80::1/64"},
			{Addr: "2001:db8::5/64"},
			{Addr: "192.168.1.20/24"},
		}},
	}, nil))
	addr, err := r.Primary(context.Background())
	if err != nil {
		t.Fatalf("primary: %v", err)
	}
	if addr.String() != "192.168.1.20" {
		t.Fatalf("expected 192.168.1.20, got %s", addr)
	}
}

func TestAddressesSkipsDownInterfaces(t *testing.T) {
	r := NewResolverWithSource(staticSource(gnet.InterfaceStatList{
		{Name: "eth1", Flags: []string{"broadcast"}, Addrs: gnet.InterfaceAddrList{{Addr: "10.0.0.1/8"}}},
	}, nil))
	if _, err := r.Addresses(context.Background()); !errors.Is(err, ErrNoAddress) {
		t.Fatalf("expected ErrNoAddress, got %v", err)
	}
}

func TestAddressesPropagatesSourceError(t *testing.T) {
	boom := errors.New("boom")
	r := NewResolverWithSource(staticSource(nil, boom))
	if _, err := r.Primary(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
}

func TestAdvertise(t *testing.T) {
	r := NewResolverWithSource(staticSource(gnet.InterfaceStatList{
		{Name: "eth0", Flags: []string{"up"}, Addrs: gnet.InterfaceAddrList{{Addr: "10.1.2.3/16"}}},
	}, nil))
	cases := []struct {
		bound string
		want  string
	}{
		{"0.0.0.0:5050", "10.1.2.3:5050"},
		{"[::]:5050", "10.1.2.3:5050"},
		{"127.0.0.1:5050", "10.1.2.3:5050"},
		{"192.168.0.9:5050", "192.168.0.9:5050"},
	}
	for _, tc := range cases {
		addr, err := net.ResolveTCPAddr("tcp", tc.bound)
		if err != nil {
			t.Fatalf("resolve %s: %v", tc.bound, err)
		}
		got, err := r.Advertise(context.Background(), addr)
		if err != nil {
			t.Fatalf("advertise %s: %v", tc.bound, err)
		}
		if got != tc.want {
			t.Fatalf("advertise %s: expected %s, got %s", tc.bound, tc.want, got)
		}
	}
}
