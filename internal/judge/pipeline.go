package judge

import (
	"context"
	"encoding/json"
	"fmt"

	xerrors "OpenBounty-Chain/internal/errors"
	"OpenBounty-Chain/internal/job"
	"OpenBounty-Chain/internal/llm"
)

// DefaultPassThreshold 是默认的及格分数线。
const DefaultPassThreshold = 80

// Outcome 是评审流水线的最终结论。
type Outcome struct {
	Passed bool
	Score  int
	Reason string
	Trace  []job.StepTrace
}

// Pipeline 是多回合评审流水线。提交内容始终包裹在不可信数据标记内，
// 回合间串行推进，前面的回合可以提前终止整个评审。
type Pipeline struct {
	client        llm.Client
	passThreshold int
}

// Option 配置评审流水线。
type Option func(*Pipeline)

// WithPassThreshold 覆盖默认及格线。
func WithPassThreshold(threshold int) Option {
	return func(p *Pipeline) {
		if threshold > 0 && threshold <= 100 {
			p.passThreshold = threshold
		}
	}
}

// NewPipeline 创建评审流水线。
func NewPipeline(client llm.Client, opts ...Option) *Pipeline {
	p := &Pipeline{client: client, passThreshold: DefaultPassThreshold}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// PassThreshold 返回当前及格线。
func (p *Pipeline) PassThreshold() int {
	return p.passThreshold
}

// Evaluate 依次执行五个回合：理解、完整性、质量、质询、裁决。
// 任何回合的调用失败都会让整个评审失败，由调用方决定提交的去向。
func (p *Pipeline) Evaluate(ctx context.Context, j *job.Job, sub *job.Submission) (*Outcome, error) {
	if p.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "评审流水线未配置大模型客户端")
	}

	trace := make([]job.StepTrace, 0, 5)

	// 回合一：提交是否在回答这个任务。
	comp, err := p.runComprehension(ctx, j, sub)
	if err != nil {
		return nil, err
	}
	trace = append(trace, job.StepTrace{Round: "comprehension", Summary: comp.Summary})
	if !comp.Relevant {
		zero := 0
		return &Outcome{
			Passed: false,
			Score:  zero,
			Reason: "submission does not address the job: " + comp.Summary,
			Trace:  trace,
		}, nil
	}

	// 回合二：要求覆盖是否完整。结果只记入评审记录，由裁决回合综合。
	compl, err := p.runCompleteness(ctx, j, sub)
	if err != nil {
		return nil, err
	}
	trace = append(trace, job.StepTrace{Round: "completeness", Summary: compl.Summary, Score: intPtr(compl.Score)})

	// 回合三：质量评估。高分且没有任何短板时直接通过。
	qual, err := p.runQuality(ctx, j, sub)
	if err != nil {
		return nil, err
	}
	trace = append(trace, job.StepTrace{Round: "quality", Summary: qual.Summary, Score: intPtr(qual.Score)})
	if qual.Score >= qualityAcceptScore && qual.Score >= p.passThreshold && len(qual.Weaknesses) == 0 {
		return &Outcome{
			Passed: true,
			Score:  qual.Score,
			Reason: "exceptional quality with no weaknesses: " + qual.Summary,
			Trace:  trace,
		}, nil
	}

	// 回合四：反方质询。结论不直接终止，作为裁决回合的输入。
	adv, err := p.runAdversarial(ctx, j, sub, qual)
	if err != nil {
		return nil, err
	}
	trace = append(trace, job.StepTrace{Round: "devils-advocate", Summary: adv.Summary})

	// 回合五：综合裁决。
	final, err := p.runVerdict(ctx, j, sub, trace, adv.FatalFlaw)
	if err != nil {
		return nil, err
	}
	trace = append(trace, job.StepTrace{Round: "verdict", Summary: final.Reason, Score: intPtr(final.Score)})

	// 数字分数是唯一权威：裁决文本与分数冲突时以分数为准。
	passed := final.Score >= p.passThreshold
	reason := final.Reason
	if passed != (final.Verdict == "pass") {
		reason = fmt.Sprintf("verdict label corrected against score %d (threshold %d): %s",
			final.Score, p.passThreshold, final.Reason)
	}

	return &Outcome{
		Passed: passed,
		Score:  final.Score,
		Reason: reason,
		Trace:  trace,
	}, nil
}

// qualityAcceptScore 是质量回合直接通过的分数线，还要求没有任何短板。
const qualityAcceptScore = 95

type comprehensionResult struct {
	Relevant bool   `json:"relevant"`
	Summary  string `json:"summary"`
}

type scoredResult struct {
	Score   int    `json:"score"`
	Summary string `json:"summary"`
}

type qualityResult struct {
	Score      int      `json:"score"`
	Summary    string   `json:"summary"`
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
}

type adversarialResult struct {
	FatalFlaw bool   `json:"fatal_flaw"`
	Summary   string `json:"summary"`
}

type verdictResult struct {
	Score   int    `json:"score"`
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

func (p *Pipeline) runComprehension(ctx context.Context, j *job.Job, sub *job.Submission) (*comprehensionResult, error) {
	var result comprehensionResult
	if err := p.call(ctx, comprehensionPrompt(j, sub), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *Pipeline) runCompleteness(ctx context.Context, j *job.Job, sub *job.Submission) (*scoredResult, error) {
	var result scoredResult
	if err := p.call(ctx, completenessPrompt(j, sub), &result); err != nil {
		return nil, err
	}
	result.Score = clampScore(result.Score)
	return &result, nil
}

func (p *Pipeline) runQuality(ctx context.Context, j *job.Job, sub *job.Submission) (*qualityResult, error) {
	var result qualityResult
	if err := p.call(ctx, qualityPrompt(j, sub), &result); err != nil {
		return nil, err
	}
	result.Score = clampScore(result.Score)
	return &result, nil
}

func (p *Pipeline) runAdversarial(ctx context.Context, j *job.Job, sub *job.Submission, qual *qualityResult) (*adversarialResult, error) {
	var result adversarialResult
	if err := p.call(ctx, adversarialPrompt(j, sub, qual.Summary), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *Pipeline) runVerdict(ctx context.Context, j *job.Job, sub *job.Submission, trace []job.StepTrace, fatalFlaw bool) (*verdictResult, error) {
	var result verdictResult
	if err := p.call(ctx, verdictPrompt(j, sub, trace, fatalFlaw), &result); err != nil {
		return nil, err
	}
	result.Score = clampScore(result.Score)
	return &result, nil
}

func (p *Pipeline) call(ctx context.Context, prompt string, out any) error {
	raw, err := p.client.Evaluate(ctx, llm.Request{
		System:      judgeSystemPrompt,
		Prompt:      prompt,
		Temperature: 0,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLLMFailure, err, "评审回合调用失败")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return xerrors.Wrap(xerrors.CodeLLMFailure, err, "解析评审回合结果失败")
	}
	return nil
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func intPtr(v int) *int {
	return &v
}
