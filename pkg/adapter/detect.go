package adapter

// Kind names the calling convention chosen for a backend.
type Kind string

const (
	KindProcessTask    Kind = "process_task"
	KindProcessMessage Kind = "process_message"
	KindComplete       Kind = "complete"
	KindChat           Kind = "chat"
	KindInvoke         Kind = "invoke"
	KindRuntimeAsync   Kind = "runtime_async"
	KindRuntimeLive    Kind = "runtime_live"
	KindRuntimeAgent   Kind = "runtime_agent"
	KindUnknown        Kind = "unknown"
)

// runtimeMetadataThreshold is how many non-empty RuntimeInfo fields make a
// describer count as an agent runtime.
const runtimeMetadataThreshold = 3

// Detect returns the highest-priority calling convention backend supports.
func Detect(backend any) Kind {
	switch backend.(type) {
	case nil:
		return KindUnknown
	case TaskProcessor:
		return KindProcessTask
	case MessageProcessor:
		return KindProcessMessage
	case Completer:
		return KindComplete
	case Chatter:
		return KindChat
	case Invoker:
		return KindInvoke
	case AsyncRunner:
		return KindRuntimeAsync
	case LiveRunner:
		return KindRuntimeLive
	}
	if d, ok := backend.(RuntimeDescriber); ok && looksLikeRuntime(d.DescribeRuntime()) {
		return KindRuntimeAgent
	}
	return KindUnknown
}

func looksLikeRuntime(info RuntimeInfo) bool {
	n := 0
	for _, v := range []string{info.Model, info.Instruction, info.GlobalInstruction, info.Description} {
		if v != "" {
			n++
		}
	}
	return n >= runtimeMetadataThreshold
}
