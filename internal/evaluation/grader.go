package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type Verdict string

const (
	VerdictCorrect   Verdict = "Correct"
	VerdictIncorrect Verdict = "Incorrect"
	// VerdictUnknown is recorded when grading itself failed.
	VerdictUnknown Verdict = ""
)

const (
	GroundtruthClassification = "Classification"
	GroundtruthMultipleChoice = "MultipleChoice"
	GroundtruthOpenEnded      = "OpenEnded"
)

const judgeAttempts = 3

// Grader decides whether a model response answers a question.
type Grader interface {
	Grade(ctx context.Context, item QuestionItem, response string) (Verdict, error)

	// Supports returns true if this grader handles the groundtruth type
	Supports(groundtruthType string) bool

	Name() string
}

// GetGrader returns the grader for a groundtruth type. Choice questions are
// matched against their option set first and fall back to the judge; every
// other type goes to the judge.
func GetGrader(groundtruthType string, judge Judge) (Grader, error) {
	switch groundtruthType {
	case GroundtruthClassification, GroundtruthMultipleChoice:
		return &ChoiceGrader{judge: &JudgeGrader{judge: judge}}, nil
	case GroundtruthOpenEnded, "":
		return &JudgeGrader{judge: judge}, nil
	default:
		return nil, fmt.Errorf("unsupported groundtruth type: %s (supported: %s, %s, %s)",
			groundtruthType, GroundtruthClassification, GroundtruthMultipleChoice, GroundtruthOpenEnded)
	}
}

// ChoiceGrader grades exactly when the response is one of the options.
type ChoiceGrader struct {
	judge *JudgeGrader
}

func (g *ChoiceGrader) Grade(ctx context.Context, item QuestionItem, response string) (Verdict, error) {
	options := ParseOptionSet(item.GroundtruthSet)
	for _, opt := range options {
		if opt == response {
			if response == item.GroundtruthContent {
				return VerdictCorrect, nil
			}
			return VerdictIncorrect, nil
		}
	}
	return g.judge.Grade(ctx, item, response)
}

func (g *ChoiceGrader) Supports(groundtruthType string) bool {
	return groundtruthType == GroundtruthClassification || groundtruthType == GroundtruthMultipleChoice
}

func (g *ChoiceGrader) Name() string { return "choice" }

// JudgeGrader asks the judge model, retrying until it answers with a valid
// verdict.
type JudgeGrader struct {
	judge Judge
}

func (g *JudgeGrader) Grade(ctx context.Context, item QuestionItem, response string) (Verdict, error) {
	if g.judge == nil {
		return VerdictUnknown, fmt.Errorf("no judge configured")
	}
	prompt := judgePrompt(response, item.GroundtruthContent)
	var lastErr error
	for range judgeAttempts {
		out, err := g.judge.Judge(ctx, prompt)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		switch v := Verdict(strings.TrimSpace(out)); v {
		case VerdictCorrect, VerdictIncorrect:
			return v, nil
		default:
			lastErr = fmt.Errorf("judge answered %q", out)
		}
	}
	return VerdictUnknown, lastErr
}

func (g *JudgeGrader) Supports(groundtruthType string) bool {
	return groundtruthType == GroundtruthOpenEnded || groundtruthType == ""
}

func (g *JudgeGrader) Name() string { return "judge" }

func judgePrompt(response, answer string) string {
	return "RESPOND ONLY 'Correct' or 'Incorrect'. " +
		"Compare if the text content SEMANTICALLY contains or indicates the same answer as the correct answer, " +
		"even if expressed differently or with additional explanation." +
		"\n[Text Content]: " + response +
		"\n[Correct Answer]: " + answer +
		"\nIf the text clearly indicates or concludes with the same answer, respond 'Correct', " +
		"even if it includes additional explanation or reasoning."
}

// BuildPrompt wraps a question with the answer format its groundtruth type
// expects.
func BuildPrompt(item QuestionItem) string {
	options := ParseOptionSet(item.GroundtruthSet)
	switch item.GroundtruthType {
	case GroundtruthClassification:
		example := ""
		if len(options) > 0 {
			example = options[0]
		}
		return "Please answer the following **single-choice question**, and strictly adhere to the [Response Format]:\nQuestion: " +
			item.QuestionContent +
			"\n[Response Format]\nYour response must be one of the options in the following set, and the answer text must match the option exactly. " +
			"For example, answer: " + example + ". Do not generate any extra symbols. Do not generate any extra characters."
	case GroundtruthMultipleChoice:
		example := strings.Join(options[:min(2, len(options))], "/")
		return "Please answer the following **multiple-choice question**, and strictly adhere to the [Response Format]:\nQuestion: " +
			item.QuestionContent +
			"\n[Response Format]\nYour response must be one or more options from the following set, with each selected option separated by a \"/\". " +
			"The answer text must match the options exactly. For example, answer: " + example +
			". Do not generate any extra symbols. Do not generate any extra characters."
	}
	return item.QuestionContent
}

// ParseOptionSet reads an option set stored either as a JSON array or as a
// brace or bracket delimited list of quoted strings.
func ParseOptionSet(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list
	}
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "{"), "[")
	raw = strings.TrimSuffix(strings.TrimSuffix(raw, "}"), "]")
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		part = strings.Trim(part, `'"`)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ComputeScore returns the percentage of correct verdicts, truncated.
func ComputeScore(verdicts []string) int {
	if len(verdicts) == 0 {
		return 0
	}
	correct := 0
	for _, v := range verdicts {
		if Verdict(v) == VerdictCorrect {
			correct++
		}
	}
	return correct * 100 / len(verdicts)
}
