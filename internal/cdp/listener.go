package cdp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgnsrekt/webtrace/internal/types"
)

// bindingName is the page-side function the listener script calls to
// deliver events.
const bindingName = "__webtraceEmit"

// listenerScript is injected into every document. It reports user
// interactions with every coordinate space the replay executor can use,
// so coordinate-driven replay survives selector drift.
const listenerScript = `(() => {
	if (window.__webtraceInstalled) return;
	window.__webtraceInstalled = true;

	const emit = (type, data) => {
		try {
			window.__webtraceEmit(JSON.stringify({type, data: data || {}, ts: Date.now()}));
		} catch (e) {}
	};

	const viewport = () => ({width: window.innerWidth, height: window.innerHeight});

	const describe = (el) => {
		if (!el || !el.tagName) return null;
		const d = {tag: el.tagName.toLowerCase()};
		if (el.id) d.id = el.id;
		if (typeof el.className === 'string' && el.className) d.className = el.className;
		if (el.name) d.name = el.name;
		const text = (el.innerText || '').trim();
		if (text) d.text = text.slice(0, 80);
		return d;
	};

	const rectOf = (el) => {
		if (!el || !el.getBoundingClientRect) return null;
		const r = el.getBoundingClientRect();
		return {left: r.left, top: r.top, width: r.width, height: r.height};
	};

	const coordsOf = (ev) => {
		const c = {
			client: {x: ev.clientX, y: ev.clientY},
			page: {x: ev.pageX, y: ev.pageY},
		};
		if (typeof ev.offsetX === 'number') {
			c.offset = {x: ev.offsetX, y: ev.offsetY};
		}
		if (window.innerWidth > 0 && window.innerHeight > 0) {
			c.relative = {x: ev.clientX / window.innerWidth, y: ev.clientY / window.innerHeight};
		}
		return c;
	};

	const pointerEvent = (action) => (ev) => {
		emit('action:user:' + action, {
			url: location.href,
			coordinates: coordsOf(ev),
			element: describe(ev.target),
			elementRect: rectOf(ev.target),
			viewport: viewport(),
		});
	};

	document.addEventListener('click', pointerEvent('click'), true);
	document.addEventListener('contextmenu', pointerEvent('contextmenu'), true);

	document.addEventListener('input', (ev) => {
		const el = ev.target;
		emit('action:user:input', {
			url: location.href,
			value: el && typeof el.value === 'string' ? el.value : '',
			element: describe(el),
			elementRect: rectOf(el),
			viewport: viewport(),
		});
	}, true);

	document.addEventListener('keydown', (ev) => {
		emit('action:user:keydown', {
			url: location.href,
			key: ev.key,
			element: describe(ev.target),
			viewport: viewport(),
		});
	}, true);

	document.addEventListener('submit', (ev) => {
		emit('action:user:submit', {
			url: location.href,
			element: describe(ev.target),
			viewport: viewport(),
		});
	}, true);

	let scrollPending = null;
	window.addEventListener('scroll', () => {
		if (scrollPending) return;
		scrollPending = setTimeout(() => {
			scrollPending = null;
			emit('action:user:scroll', {
				url: location.href,
				x: window.scrollX,
				y: window.scrollY,
				viewport: viewport(),
			});
		}, 250);
	}, true);

	document.addEventListener('visibilitychange', () => {
		emit('state:browser:tab_visibility_changed', {
			url: location.href,
			visible: document.visibilityState === 'visible',
		});
	});
})()`

// bindingEnvelope is the wire shape the listener script produces.
type bindingEnvelope struct {
	Type string             `json:"type"`
	Data types.EventPayload `json:"data"`
	TS   int64              `json:"ts"`
}

// decodeBindingPayload turns a Runtime.bindingCalled payload into a step
// event. The page timestamp is preserved so ordering matches what the
// user saw, not when the event crossed the protocol.
func decodeBindingPayload(payload string) (types.StepEvent, error) {
	var env bindingEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return types.StepEvent{}, fmt.Errorf("failed to decode listener payload: %w", err)
	}
	if env.Type == "" {
		return types.StepEvent{}, fmt.Errorf("listener payload missing event type")
	}

	ev := types.StepEvent{
		Type: types.ParseEventType(env.Type),
		Data: env.Data,
	}
	if env.TS > 0 {
		ev.Timestamp = time.UnixMilli(env.TS).UTC()
	}
	return ev, nil
}
