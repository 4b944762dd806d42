package discovery_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/livetag/livetag-go/pkg/discovery"
)

// TestMDNSAdvertiseAndFind announces a gateway and browses for it on the
// local host. It needs multicast on at least one interface.
func TestMDNSAdvertiseAndFind(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping mDNS round trip in short mode")
	}

	name := fmt.Sprintf("livetag-test-%d", os.Getpid())
	var adv discovery.MDNSAdvertiser
	err := adv.Advertise(&discovery.GatewayInfo{
		Name:       name,
		Port:       18080,
		StreamPath: "/ws/test",
		Project:    "p1",
	}, nil)
	if err != nil {
		t.Skipf("mDNS not available: %v", err)
	}
	defer adv.Stop()

	browser := discovery.NewMDNSBrowser(discovery.BrowserConfig{})
	defer browser.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	found, err := browser.Browse(ctx)
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}

	for gw := range found {
		if gw.InstanceName != name {
			continue
		}
		if gw.Port != 18080 || gw.StreamPath != "/ws/test" || gw.Project != "p1" {
			t.Errorf("gateway = %+v", gw)
		}
		return
	}
	t.Skip("advertised gateway not seen; multicast loopback unavailable")
}

func TestMDNSAdvertiseRejectsBadName(t *testing.T) {
	var adv discovery.MDNSAdvertiser
	defer adv.Stop()

	if err := adv.Advertise(&discovery.GatewayInfo{}, nil); err == nil {
		t.Error("expected error for empty instance name")
	}
}
