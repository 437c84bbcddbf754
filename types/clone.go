package types

// Clone returns a deep copy of the task so that callers can mutate it freely.
func (t Task) Clone() Task {
	out := t
	out.Metadata = cloneMap(t.Metadata)
	if t.WorkflowState != nil {
		state := t.WorkflowState.Clone()
		out.WorkflowState = &state
	}
	if t.ArchivedStates != nil {
		out.ArchivedStates = make([]WorkflowState, len(t.ArchivedStates))
		for i, s := range t.ArchivedStates {
			out.ArchivedStates[i] = s.Clone()
		}
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// Clone returns a deep copy of the workflow state.
func (s WorkflowState) Clone() WorkflowState {
	out := s
	if s.CurrentStep != nil {
		step := *s.CurrentStep
		out.CurrentStep = &step
	}
	if s.StepHistory != nil {
		out.StepHistory = make([]StepRecord, len(s.StepHistory))
		for i, r := range s.StepHistory {
			out.StepHistory[i] = r.Clone()
		}
	}
	out.CompletedSteps = append([]string(nil), s.CompletedSteps...)
	out.PendingApprovals = append([]PendingApproval(nil), s.PendingApprovals...)
	if s.RetryState != nil {
		out.RetryState = make(map[string]RetryState, len(s.RetryState))
		for k, v := range s.RetryState {
			if v.NextRetryAt != nil {
				at := *v.NextRetryAt
				v.NextRetryAt = &at
			}
			out.RetryState[k] = v
		}
	}
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		out.CompletedAt = &at
	}
	out.RewindHistory = append([]RewindRecord(nil), s.RewindHistory...)
	return out
}

// Clone returns a deep copy of the step record.
func (r StepRecord) Clone() StepRecord {
	out := r
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		out.CompletedAt = &at
	}
	out.Data = cloneMap(r.Data)
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			v = cloneMap(nested)
		}
		out[k] = v
	}
	return out
}
