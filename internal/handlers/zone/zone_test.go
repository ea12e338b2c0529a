package zone

import (
	"reflect"
	"testing"
)

func TestParseZoneadmList(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []DiscoveredZone
	}{
		{
			name: "global plus two zones",
			in:   "0:global:running:/:::native:shared\n1:webapp:running:/zones/webapp:webapp::native:excl\n2:db:installed:/zones/db:db::native:excl\n",
			want: []DiscoveredZone{
				{Name: "global", State: "running", Brand: "native"},
				{Name: "webapp", State: "running", Brand: "native"},
				{Name: "db", State: "installed", Brand: "native"},
			},
		},
		{
			name: "empty output",
			in:   "",
			want: nil,
		},
		{
			name: "trailing newline only",
			in:   "0:global:running:/:::native:shared\n",
			want: []DiscoveredZone{{Name: "global", State: "running", Brand: "native"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseZoneadmList(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseZoneadmList(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
