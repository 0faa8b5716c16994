package pci

import "testing"

func TestHostdevAddresses(t *testing.T) {
	tests := []struct {
		name    string
		desc    string
		want    []string
		wantErr bool
	}{
		{
			name: "pci and usb hostdevs",
			desc: `<domain><devices>
  <hostdev mode='subsystem' type='pci' managed='yes'>
    <source><address domain='0x0000' bus='0x65' slot='0x00' function='0x0'/></source>
  </hostdev>
  <hostdev mode='subsystem' type='pci' managed='yes'>
    <source><address domain='0x0000' bus='0x65' slot='0x00' function='0x1'/></source>
  </hostdev>
  <hostdev mode='subsystem' type='usb' managed='yes'><source/></hostdev>
</devices></domain>`,
			want: []string{"0000:65:00.0", "0000:65:00.1"},
		},
		{
			name: "no hostdevs",
			desc: `<domain><devices><disk type='file'/></devices></domain>`,
		},
		{
			name:    "bad address",
			desc:    `<domain><devices><hostdev type='pci'><source><address domain='zz' bus='0x1' slot='0x0' function='0x0'/></source></hostdev></devices></domain>`,
			wantErr: true,
		},
		{
			name:    "truncated xml",
			desc:    "<domain>",
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := hostdevAddresses(tc.desc)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("hostdevAddresses: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}
