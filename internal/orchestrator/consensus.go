package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/internal/observability/metrics"
	"CryptoReason-Chain/internal/protocol"
)

// marketData 是采集阶段得到的三份快照。
type marketData struct {
	Coin      protocol.CoinResponse
	News      string
	Sentiment protocol.SentimentResponse
}

// promptContext 是每一轮共享的上下文。
type promptContext struct {
	Network      string
	RiskProfile  string
	InvestorType string
	Opinion      string
	Data         marketData
}

func (p promptContext) factors() string {
	var b strings.Builder
	b.WriteString("Consider the following factors:\n\n")
	fmt.Fprintf(&b, "Fear Greed Index Analysis - value %.0f (%s) at %s\n",
		p.Data.Sentiment.Value, p.Data.Sentiment.Classification, p.Data.Sentiment.Timestamp)
	c := p.Data.Coin
	fmt.Fprintf(&b, "Coin Market Data - %s (%s): price %.6f USD, market cap %.0f, 24h volume %.0f, 24h change %.2f%%\n",
		c.Name, strings.ToUpper(c.Symbol), c.CurrentPrice, c.MarketCap, c.TotalVolume, c.PriceChange24h)
	fmt.Fprintf(&b, "Blockchain network - %s\n", p.Network)
	fmt.Fprintf(&b, "User's type of investing - %s\n", p.InvestorType)
	fmt.Fprintf(&b, "User's risk strategy - %s\n", p.RiskProfile)
	fmt.Fprintf(&b, "Most recent crypto news - %s\n", p.Data.News)
	if p.Opinion != "" {
		fmt.Fprintf(&b, "\nUser's opinion - %s\n", p.Opinion)
	}
	return b.String()
}

// buildQuery 生成第 round 轮（从 1 开始）的提问。第一轮不带先前推理，
// 中间轮次附上上一轮的回答，最后一轮要求给出唯一的决策标记。
func buildQuery(pc promptContext, round, total int, prior string) string {
	var b strings.Builder
	b.WriteString(pc.factors())
	b.WriteString("\n")

	final := round == total
	switch {
	case final:
		b.WriteString("You are an independent expert of the crypto market with knowledge of how worldwide politics affects it. ")
		b.WriteString("You are assisting the user to make the most meaningful decision, gaining revenue whilst minimising potential losses.\n\n")
	default:
		b.WriteString("You are a crypto expert, who is assisting the user to make the most meaningful decisions, to gain the most revenue.\n\n")
	}

	if round > 1 && prior != "" {
		fmt.Fprintf(&b, "This query has been analysed by %d other crypto expert(s). Prior expert reasoning:\n\"%s\"\n\n", round-1, prior)
	}

	if final {
		b.WriteString("\"SELL\" means swapping the native coin into USDC.\n")
		b.WriteString("\"BUY\" means swapping USDC into the native coin.\n")
		b.WriteString("\"HOLD\" means no action.\n\n")
		fmt.Fprintf(&b, "Make exactly one decision for the native token of the %s network. ", pc.Network)
		b.WriteString("End your answer with a single line of the form \"SIGNAL: BUY\", \"SIGNAL: SELL\" or \"SIGNAL: HOLD\".\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Given the information above, respond with a decision of either \"SELL\", \"BUY\" or \"HOLD\" for the native token of the %s network. ", pc.Network)
	b.WriteString("Include your reasoning based on the analysed data. The user cannot provide additional information, ")
	b.WriteString("but you may point out questions that would help make a solid decision.\n")
	return b.String()
}

// runConsensus 依次执行 total 轮推理，每轮都是一次请求/响应往返。任何一轮失败都会中止周期。
func (o *Orchestrator) runConsensus(ctx context.Context, pc promptContext) (string, error) {
	total := o.cfg.Rounds
	prior := ""
	for round := 1; round <= total; round++ {
		query := buildQuery(pc, round, total, prior)
		reply, err := o.requester.SendAndAwait(ctx, protocol.RoleReasoning, protocol.ReasoningRequest{Query: query}, o.cfg.ReasoningTimeout.Duration)
		if err != nil {
			return "", xerrors.Wrap(CodeReasoningFailure, err, fmt.Sprintf("第 %d 轮推理失败", round))
		}
		var resp protocol.ReasoningResponse
		if err := reply.Decode(&resp); err != nil {
			return "", xerrors.Wrap(CodeReasoningFailure, err, "解析推理结果失败")
		}
		if strings.TrimSpace(resp.Decision) == "" {
			return "", xerrors.New(CodeReasoningFailure, fmt.Sprintf("第 %d 轮推理结果为空", round))
		}
		prior = resp.Decision
		metrics.ConsensusRound()
		o.mutate(func(s *Session) {
			s.RoundsRemaining--
			s.LastReasoningText = resp.Decision
		})
		o.log.Info("推理轮次完成", slog.Int("round", round), slog.Int("total", total))
	}
	return prior, nil
}
