package discovery

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/pion/webrtc/v4"
)

// HarvestHostIPv4 opens a throwaway peer connection with no ICE servers and
// returns the first non-loopback IPv4 host candidate it gathers. Only host
// candidates are produced, so no traffic leaves the machine.
func HarvestHostIPv4(ctx context.Context) (netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, HarvestTimeout)
	defer cancel()

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return netip.Addr{}, fmt.Errorf("creating peer connection: %w", err)
	}
	defer pc.Close()

	found := make(chan netip.Addr, 1)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || c.Typ != webrtc.ICECandidateTypeHost {
			return
		}
		addr, err := netip.ParseAddr(c.Address)
		if err != nil || !addr.Is4() || addr.IsLoopback() || addr.IsLinkLocalUnicast() {
			return
		}
		select {
		case found <- addr:
		default:
		}
	})

	// A data channel forces an application section into the offer, which is
	// what starts candidate gathering.
	if _, err := pc.CreateDataChannel("harvest", nil); err != nil {
		return netip.Addr{}, fmt.Errorf("creating data channel: %w", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("creating SDP offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return netip.Addr{}, fmt.Errorf("setting local description: %w", err)
	}

	select {
	case addr := <-found:
		return addr, nil
	case <-gatherComplete:
		select {
		case addr := <-found:
			return addr, nil
		default:
			return netip.Addr{}, fmt.Errorf("no IPv4 host candidate gathered")
		}
	case <-ctx.Done():
		return netip.Addr{}, fmt.Errorf("ICE gathering: %w", ctx.Err())
	}
}
