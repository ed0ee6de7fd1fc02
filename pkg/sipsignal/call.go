package sipsignal

import (
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// pendingRequest входящий запрос, ожидающий ответа приложения
type pendingRequest struct {
	req  *sip.Request
	tx   sip.ServerTransaction
	done chan struct{}
}

func (p *pendingRequest) finish() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// call состояние одного SIP диалога с точки зрения адаптера
type call struct {
	key      mscontrol.Key
	incoming bool
	localTag string

	// invite входящий INVITE или наш исходящий
	invite *sip.Request
	// answer 2xx на invite: отправленный нами или полученный от удаленной стороны
	answer *sip.Response

	pending *pendingRequest
	// hungUp удаленная сторона завершила вызов CANCEL или BYE,
	// ответ на Hangup приложения адаптер уже отправил сам
	hungUp bool
	seq      uint32
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func tagOf(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	tag, _ := params.Get("tag")
	return tag
}

func withTag(tag string) sip.HeaderParams {
	params := sip.NewParams()
	if tag != "" {
		params = params.Add("tag", tag)
	}
	return params
}

// nextSeq CSeq для следующего нашего запроса внутри диалога
func (c *call) nextSeq() uint32 {
	c.seq++
	return c.seq
}

// buildBye строит BYE внутри установленного диалога.
// Для входящего вызова стороны From/To меняются местами относительно INVITE.
func (c *call) buildBye() *sip.Request {
	var (
		target sip.Uri
		from   *sip.FromHeader
		to     *sip.ToHeader
	)

	if c.incoming {
		target = c.invite.From().Address
		if contact := c.invite.Contact(); contact != nil {
			target = contact.Address
		}
		from = &sip.FromHeader{
			Address: c.invite.To().Address,
			Params:  withTag(c.localTag),
		}
		to = &sip.ToHeader{
			DisplayName: c.invite.From().DisplayName,
			Address:     c.invite.From().Address,
			Params:      withTag(tagOf(c.invite.From().Params)),
		}
	} else {
		target = c.invite.Recipient
		if c.answer != nil {
			if contact := c.answer.Contact(); contact != nil {
				target = contact.Address
			}
		}
		from = &sip.FromHeader{
			DisplayName: c.invite.From().DisplayName,
			Address:     c.invite.From().Address,
			Params:      withTag(c.localTag),
		}
		remoteTag := ""
		if c.answer != nil {
			remoteTag = tagOf(c.answer.To().Params)
		}
		to = &sip.ToHeader{
			Address: c.invite.To().Address,
			Params:  withTag(remoteTag),
		}
	}

	req := sip.NewRequest(sip.BYE, target)
	req.AppendHeader(from)
	req.AppendHeader(to)
	callID := sip.CallIDHeader(string(c.key))
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.nextSeq(), MethodName: sip.BYE})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return req
}

// buildAck строит ACK на 2xx ответ исходящего INVITE.
// CSeq совпадает с INVITE, To берется из ответа вместе с тегом удаленной стороны.
func (c *call) buildAck() *sip.Request {
	target := c.invite.Recipient
	if contact := c.answer.Contact(); contact != nil {
		target = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, target)
	ack.AppendHeader(&sip.FromHeader{
		DisplayName: c.invite.From().DisplayName,
		Address:     c.invite.From().Address,
		Params:      withTag(c.localTag),
	})
	ack.AppendHeader(&sip.ToHeader{
		DisplayName: c.answer.To().DisplayName,
		Address:     c.answer.To().Address,
		Params:      withTag(tagOf(c.answer.To().Params)),
	})
	callID := sip.CallIDHeader(string(c.key))
	ack.AppendHeader(&callID)
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: c.invite.CSeq().SeqNo, MethodName: sip.ACK})
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return ack
}
