package runtime

import "sync"

// Builtin agent types. Answer agents produce draft answers; the evaluation
// and followup agents serve the pipeline itself.
const (
	AgentMarket         = "market"
	AgentNews           = "news"
	AgentDigitalization = "digitalization"
	AgentEvaluation     = "evaluation"
	AgentFollowUp       = "followup"
)

// Agent is a named LLM configuration: a system prompt plus generation
// settings, invoked for a specific purpose.
type Agent struct {
	Type         string  `json:"type"`
	Description  string  `json:"description,omitempty"`
	SystemPrompt string  `json:"system_prompt"`
	Model        string  `json:"model,omitempty"`
	Temperature  float32 `json:"temperature,omitempty"`
	// ServiceAgent marks agents that support the pipeline (evaluation,
	// followup) rather than answering user queries directly.
	ServiceAgent bool `json:"service_agent,omitempty"`
}

const marketPrompt = `You are a market intelligence analyst for the energy sector.
Answer questions about PV module prices, inverter prices, battery storage (BESS)
capacity, installation volumes and market trends using the datasets available
to you. Always answer with the specific figures requested. If the requested
data is not available, say so plainly; do not substitute general commentary
for the requested numbers.`

const newsPrompt = `You are a market news analyst for the energy sector.
Summarize and answer questions about recent industry news, policy changes and
announcements. Cite the date and source of each item where available. If no
relevant news exists for the request, say so plainly.`

const digitalizationPrompt = `You are an analyst covering digitalization in the
energy industry: software adoption, monitoring platforms, smart grid rollouts
and related market data. Answer with the specific figures requested. If the
requested data is not available, say so plainly.`

const evaluationPrompt = `You are a strict evaluator of answers produced by a
market data assistant. Classify the answer into exactly one of:

- "good_answer": the answer contains the specific data the user requested
  (numbers, figures, facts). Context alone is never good_answer.
- "bad_answer": the answer explains why data is missing, provides tangential
  context, or otherwise substitutes narrative for the requested figures.
  Explaining the absence of data does NOT satisfy the request.
- "neutral": the user's message is a greeting or off-topic and no data
  request is pending.
- "contact_request": the user's query explicitly asks to be connected with a
  human, regardless of whether data was found.

Respond with a JSON object of the form {"classification": "<label>"} and
nothing else.`

const followUpPrompt = `The assistant could not provide the data the user asked
for. Write a short message that briefly acknowledges the user's specific
request and explains that one of our market experts can help with it. Keep it
to two or three sentences. Do not apologize at length, do not ask a question,
and do not invent data.`

// Registry holds the configured agents by type.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates a registry populated with the builtin agents.
// defaultModel is applied to every builtin.
func NewRegistry(defaultModel string) *Registry {
	r := &Registry{agents: make(map[string]Agent)}
	for _, a := range []Agent{
		{Type: AgentMarket, Description: "PV and storage market data", SystemPrompt: marketPrompt, Model: defaultModel, Temperature: 0.2},
		{Type: AgentNews, Description: "industry news", SystemPrompt: newsPrompt, Model: defaultModel, Temperature: 0.3},
		{Type: AgentDigitalization, Description: "digitalization market data", SystemPrompt: digitalizationPrompt, Model: defaultModel, Temperature: 0.2},
		{Type: AgentEvaluation, Description: "answer quality judge", SystemPrompt: evaluationPrompt, Model: defaultModel, Temperature: 0, ServiceAgent: true},
		{Type: AgentFollowUp, Description: "expert hand-off offer", SystemPrompt: followUpPrompt, Model: defaultModel, Temperature: 0.4, ServiceAgent: true},
	} {
		r.agents[a.Type] = a
	}
	return r
}

// Register adds or replaces an agent.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Type] = a
}

// Get returns the agent for the given type.
func (r *Registry) Get(agentType string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentType]
	return a, ok
}

// AnswerAgents returns the types of all non-service agents.
func (r *Registry) AnswerAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for t, a := range r.agents {
		if !a.ServiceAgent {
			out = append(out, t)
		}
	}
	return out
}
