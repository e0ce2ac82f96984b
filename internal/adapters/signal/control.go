package signal

import "github.com/dkeye/Beam/internal/protocol"

func (ctl *SignalWSController) handlePing(dc *deviceConn) {
	ctl.Orch.SendTo(dc.self, protocol.TypePong, struct{}{})
}

func (ctl *SignalWSController) handleOnlineDevices(dc *deviceConn) {
	ctl.Orch.SendTo(dc.self, protocol.TypeOnlineDevices, ctl.Orch.OnlineDevices(dc.ep))
}
