package manager

import (
	"NetSpectraRx/internal/engine/flowtable"
	"NetSpectraRx/internal/engine/protocol"
	"NetSpectraRx/internal/model"
)

// Dispatch runs one packet received on contextID through the engine: bypass
// checks, flow lookup or insert, then aggregation. The engine owns buf
// afterwards. Dispatch must not be called concurrently for the same
// context, and not for a context whose worker is running.
func (e *Engine) Dispatch(contextID uint8, buf *model.Buffer) {
	if int(contextID) >= len(e.contexts) {
		buf.ContextID = contextID
		e.counters.Packets.Add(1)
		e.bypass(buf)
		return
	}
	e.dispatch(e.contexts[contextID], buf)
}

// DispatchBatch dispatches a batch of packets from one receive poll and then
// flushes the context, like its worker does.
func (e *Engine) DispatchBatch(contextID uint8, bufs []*model.Buffer) {
	for _, b := range bufs {
		e.Dispatch(contextID, b)
	}
	e.FlushContext(contextID)
}

func (e *Engine) dispatchBatch(c *rxContext, bufs []*model.Buffer) {
	for _, b := range bufs {
		e.dispatch(c, b)
	}
}

func (e *Engine) dispatch(c *rxContext, buf *model.Buffer) {
	e.counters.Packets.Add(1)
	buf.ContextID = c.id
	m := &buf.Meta

	if m.Flags.Has(model.FlagException) || !m.Flags.Has(model.FlagIPv4) ||
		!(m.Flags.Has(model.FlagTCP) || m.Flags.Has(model.FlagUDP)) ||
		e.aggregationDisallowed(buf.InterfaceID, c.id) {
		e.bypass(buf)
		return
	}

	h, err := c.x.Extract(buf.Data)
	if err != nil || h.Fragment {
		e.bypass(buf)
		return
	}

	if m.ToeplitzHash == 0 && !m.HintUsable() {
		m.ToeplitzHash = protocol.HashTuple(e.rssKey, h.Tuple)
	}
	k := flowtable.KeyFromMeta(h.Tuple, m, c.id, buf.InterfaceID)
	_, err = e.table.Process(k, func(entry *flowtable.Entry) {
		e.agg.Receive(&entry.Agg, buf, h)
	})
	if err != nil {
		log.WithError(err).WithField("flow", h.Tuple).Debug("Packet not aggregated")
		e.bypass(buf)
	}
}

// bypass hands buf to the consumer untouched.
func (e *Engine) bypass(buf *model.Buffer) {
	e.counters.Bypassed.Add(1)
	e.agg.Deliver(buf)
}
