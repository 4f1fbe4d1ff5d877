package sdbus

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want endpoint
		bad  bool
	}{
		{
			name: "unix path",
			raw:  "unix:path=/run/dbus/system_bus_socket",
			want: endpoint{kind: endpointUnix, path: "/run/dbus/system_bus_socket"},
		},
		{
			name: "unix abstract",
			raw:  "unix:abstract=/tmp/dbus-x",
			want: endpoint{kind: endpointAbstract, path: "/tmp/dbus-x"},
		},
		{
			name: "unix escaped",
			raw:  "unix:path=/tmp/with%20space%3bsemi",
			want: endpoint{kind: endpointUnix, path: "/tmp/with space;semi"},
		},
		{
			name: "unix both keys",
			raw:  "unix:path=/a,abstract=/b",
			bad:  true,
		},
		{
			name: "unix neither key",
			raw:  "unix:guid=00",
			bad:  true,
		},
		{
			name: "tcp",
			raw:  "tcp:host=localhost,port=4711,family=ipv4",
			want: endpoint{kind: endpointTCP, host: "localhost", port: "4711", family: "ipv4"},
		},
		{
			name: "tcp missing port",
			raw:  "tcp:host=localhost",
			bad:  true,
		},
		{
			name: "tcp bad family",
			raw:  "tcp:host=x,port=1,family=ipx",
			bad:  true,
		},
		{
			name: "exec defaults argv0",
			raw:  "unixexec:path=/bin/bus-proxy",
			want: endpoint{kind: endpointExec, path: "/bin/bus-proxy", argv: []string{"/bin/bus-proxy"}},
		},
		{
			name: "exec argv",
			raw:  "unixexec:path=/bin/p,argv0=p,argv1=--foo,argv2=bar",
			want: endpoint{kind: endpointExec, path: "/bin/p", argv: []string{"p", "--foo", "bar"}},
		},
		{
			name: "exec argv hole",
			raw:  "unixexec:path=/bin/p,argv2=bar",
			bad:  true,
		},
		{
			name: "kernel",
			raw:  "kernel:path=/sys/fs/kdbus/0-system/bus",
			want: endpoint{kind: endpointKernel, path: "/sys/fs/kdbus/0-system/bus"},
		},
		{
			name: "guid capture",
			raw:  "unix:path=/tmp/bus,guid=00112233445566778899aabbccddeeff",
			want: endpoint{kind: endpointUnix, path: "/tmp/bus", guid: "00112233445566778899aabbccddeeff"},
		},
		{
			name: "no scheme",
			raw:  "just-a-string",
			bad:  true,
		},
		{
			name: "bad escape",
			raw:  "unix:path=/tmp/%zz",
			bad:  true,
		},
		{
			name: "truncated escape",
			raw:  "unix:path=/tmp/%a",
			bad:  true,
		},
		{
			name: "duplicate key",
			raw:  "unix:path=/a,path=/b",
			bad:  true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseEndpoint(tc.raw)
			if tc.bad {
				if err == nil {
					t.Fatalf("parseEndpoint(%q) unexpectedly succeeded: %+v", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseEndpoint(%q): %v", tc.raw, err)
			}
			if diff := cmp.Diff(tc.want, got, cmp.AllowUnexported(endpoint{})); diff != "" {
				t.Errorf("endpoint mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAddressCursor(t *testing.T) {
	c := addressCursor{addr: "unix:path=/one;;tcp:host=h,port=1;kernel:path=/k"}

	var kinds []endpointKind
	for c.more() {
		ep, err := c.parseNext()
		if err != nil {
			t.Fatalf("parseNext: %v", err)
		}
		kinds = append(kinds, ep.kind)
	}
	want := []endpointKind{endpointUnix, endpointTCP, endpointKernel}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("cursor iteration mismatch (-want +got):\n%s", diff)
	}

	if _, err := c.parseNext(); err == nil {
		t.Error("parseNext after exhaustion unexpectedly succeeded")
	}

	c.reset()
	if !c.more() {
		t.Error("cursor not rewound by reset")
	}
}
