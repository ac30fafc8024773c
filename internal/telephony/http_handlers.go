package telephony

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"callcenter-platform/internal/calls"
	"callcenter-platform/pkg/logger"
)

// EventHandler consumes provider-agnostic call events.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev calls.Event) error
}

// TwilioWebhookHandler converts Twilio webhooks to call events and answers
// with the TwiML the routing core produced for that call.
//
// No routing decisions are made here.
type TwilioWebhookHandler struct {
	Events    EventHandler
	Commander *TwilioCommander

	Now func() time.Time
}

func (h TwilioWebhookHandler) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now()
}

func (h TwilioWebhookHandler) HandleVoice(c *gin.Context) {
	h.respond(c, TwilioForm.ArrivedEvent)
}

func (h TwilioWebhookHandler) HandleGather(c *gin.Context) {
	h.respond(c, TwilioForm.GatherEvent)
}

func (h TwilioWebhookHandler) respond(c *gin.Context, toEvent func(TwilioForm, time.Time) calls.Event) {
	log := logger.FromGin(c)
	form, err := ParseTwilioForm(c.Request)
	if err != nil || form.CallSid == "" {
		log.Warn("twilio webhook parse failed", "error", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	ev := toEvent(form, h.now())
	ctx := c.Request.Context()

	handle := func() error { return h.Events.HandleEvent(ctx, ev) }
	var twiml string
	if h.Commander != nil {
		twiml, err = h.Commander.Capture(form.CallSid, handle)
	} else {
		err = handle()
		var empty Response
		twiml, _ = empty.Render()
	}
	if err != nil {
		// The TwiML still carries whatever the call flow issued, e.g. a hangup.
		log.Warn("call event failed", "call_id", form.CallSid, "event", string(ev.Type), "error", err)
	}
	c.Data(http.StatusOK, "application/xml", []byte(twiml))
}

// HandleStatus receives status callbacks for inbound calls and dialled legs.
func (h TwilioWebhookHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)
	form, err := ParseTwilioForm(c.Request)
	if err != nil || form.CallSid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	ev, ok := form.StatusEvent(h.now())
	if ok {
		if err := h.Events.HandleEvent(c.Request.Context(), ev); err != nil {
			log.Warn("call status failed", "call_id", form.CallSid, "status", form.CallStatus, "error", err)
		}
	}
	c.Status(http.StatusNoContent)
}

// HandleLeg answers an outbound leg: straight into a conference when one was
// requested, otherwise parked until it is bridged.
func (h TwilioWebhookHandler) HandleLeg(c *gin.Context) {
	var r Response
	if conf := c.Query("conference"); conf != "" {
		r.Conference(conf, false)
	} else {
		r.Pause(10 * time.Minute)
	}
	twiml, err := r.Render()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Data(http.StatusOK, "application/xml", []byte(twiml))
}

// HandleRecording logs a finished voicemail recording.
func (h TwilioWebhookHandler) HandleRecording(c *gin.Context) {
	logger.FromGin(c).Info("voicemail recorded",
		"call_id", c.PostForm("CallSid"),
		"mailbox", c.Query("mailbox"),
		"recording_url", c.PostForm("RecordingUrl"),
		"duration", c.PostForm("RecordingDuration"))
	c.Status(http.StatusNoContent)
}

// Register mounts the webhook routes on g.
func (h TwilioWebhookHandler) Register(g gin.IRoutes) {
	g.POST("/voice", h.HandleVoice)
	g.POST("/gather", h.HandleGather)
	g.POST("/status", h.HandleStatus)
	g.POST("/leg", h.HandleLeg)
	g.POST("/recording", h.HandleRecording)
}
