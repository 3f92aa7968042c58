package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	sandboxResource = "sandboxes"

	// managedByLabel marks every namespace and sandbox object this gateway
	// creates, and is how the reconciler finds tenant namespaces.
	managedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "sandbox-gateway"
)

// KubernetesClient implements Client against a real cluster. Sandbox objects
// are a custom resource handled through the dynamic client; namespaces,
// quotas and network policies go through the typed clientset.
type KubernetesClient struct {
	dynamic   dynamic.Interface
	clientset kubernetes.Interface
	gvr       schema.GroupVersionResource
	logger    *slog.Logger
}

// NewKubernetesClient builds a client from in-cluster config, falling back to
// the kubeconfig at kubeconfigPath (or $KUBECONFIG / the default location when
// empty). group and version identify the sandbox custom resource, e.g.
// "gateway.dev" / "v1alpha1".
func NewKubernetesClient(kubeconfigPath, group, version string, logger *slog.Logger) (*KubernetesClient, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		if kubeconfigPath != "" {
			loadingRules.ExplicitPath = kubeconfigPath
		}
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("loading kubernetes config: %w", err)
		}
	}

	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating dynamic client: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating clientset: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &KubernetesClient{
		dynamic:   dyn,
		clientset: clientset,
		gvr:       schema.GroupVersionResource{Group: group, Version: version, Resource: sandboxResource},
		logger:    logger,
	}, nil
}

func (k *KubernetesClient) EnsureTenantNamespace(ctx context.Context, namespace string, opts NamespaceOptions) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: namespace,
			Labels: map[string]string{
				managedByLabel: managedByValue,
			},
		},
	}
	_, err := k.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating namespace %s: %w", namespace, err)
	}

	// Quota and network policy are provisioned once, alongside the namespace.
	// Failures here leave a usable but under-constrained namespace; log and
	// continue rather than failing the sandbox create that triggered us.
	if err := k.applyResourceQuota(ctx, namespace, opts); err != nil {
		k.logger.Warn("failed to apply resource quota", "namespace", namespace, "error", err)
	}
	if err := k.applyNetworkPolicy(ctx, namespace, opts); err != nil {
		k.logger.Warn("failed to apply network policy", "namespace", namespace, "error", err)
	}
	return nil
}

func (k *KubernetesClient) applyResourceQuota(ctx context.Context, namespace string, opts NamespaceOptions) error {
	hard := corev1.ResourceList{}
	if opts.MaxSandboxes > 0 {
		hard[corev1.ResourcePods] = *resource.NewQuantity(int64(opts.MaxSandboxes), resource.DecimalSI)
	}
	if opts.CPULimit != "" {
		cpu, err := resource.ParseQuantity(opts.CPULimit)
		if err != nil {
			return fmt.Errorf("parsing cpu limit %q: %w", opts.CPULimit, err)
		}
		hard[corev1.ResourceLimitsCPU] = cpu
	}
	if opts.MemoryLimit != "" {
		mem, err := resource.ParseQuantity(opts.MemoryLimit)
		if err != nil {
			return fmt.Errorf("parsing memory limit %q: %w", opts.MemoryLimit, err)
		}
		hard[corev1.ResourceLimitsMemory] = mem
	}
	if len(hard) == 0 {
		return nil
	}

	quota := &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{Name: "tenant-quota", Namespace: namespace},
		Spec:       corev1.ResourceQuotaSpec{Hard: hard},
	}
	_, err := k.clientset.CoreV1().ResourceQuotas(namespace).Create(ctx, quota, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (k *KubernetesClient) applyNetworkPolicy(ctx context.Context, namespace string, opts NamespaceOptions) error {
	// Admit intra-namespace traffic and ingress from the gateway's own
	// namespace; everything else is denied by the policy's default.
	peers := []networkingv1.NetworkPolicyPeer{
		{PodSelector: &metav1.LabelSelector{}},
	}
	if opts.GatewayNamespace != "" {
		peers = append(peers, networkingv1.NetworkPolicyPeer{
			NamespaceSelector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"kubernetes.io/metadata.name": opts.GatewayNamespace},
			},
		})
	}
	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "tenant-isolation", Namespace: namespace},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
			Ingress:     []networkingv1.NetworkPolicyIngressRule{{From: peers}},
		},
	}
	_, err := k.clientset.NetworkingV1().NetworkPolicies(namespace).Create(ctx, policy, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (k *KubernetesClient) CreateSandbox(ctx context.Context, sb *Sandbox) error {
	obj := k.toUnstructured(sb)
	_, err := k.dynamic.Resource(k.gvr).Namespace(sb.Namespace).Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("creating sandbox %s/%s: %w", sb.Namespace, sb.Name, err)
	}
	return nil
}

func (k *KubernetesClient) GetSandbox(ctx context.Context, namespace, name string) (*Sandbox, error) {
	obj, err := k.dynamic.Resource(k.gvr).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching sandbox %s/%s: %w", namespace, name, err)
	}
	return k.fromUnstructured(obj), nil
}

func (k *KubernetesClient) UpdateSandbox(ctx context.Context, sb *Sandbox) error {
	// Read-modify-write: fetch the live object so the update carries the
	// current resourceVersion, then overwrite the spec.
	live, err := k.dynamic.Resource(k.gvr).Namespace(sb.Namespace).Get(ctx, sb.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("fetching sandbox %s/%s for update: %w", sb.Namespace, sb.Name, err)
	}
	live.Object["spec"] = k.toUnstructured(sb).Object["spec"]
	_, err = k.dynamic.Resource(k.gvr).Namespace(sb.Namespace).Update(ctx, live, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("updating sandbox %s/%s: %w", sb.Namespace, sb.Name, err)
	}
	return nil
}

func (k *KubernetesClient) DeleteSandbox(ctx context.Context, namespace, name string) error {
	err := k.dynamic.Resource(k.gvr).Namespace(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting sandbox %s/%s: %w", namespace, name, err)
	}
	return nil
}

func (k *KubernetesClient) ListSandboxes(ctx context.Context, namespace string) ([]*Sandbox, error) {
	list, err := k.dynamic.Resource(k.gvr).Namespace(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes in %s: %w", namespace, err)
	}
	out := make([]*Sandbox, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, k.fromUnstructured(&list.Items[i]))
	}
	return out, nil
}

func (k *KubernetesClient) ListTenantNamespaces(ctx context.Context) ([]string, error) {
	list, err := k.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: managedByLabel + "=" + managedByValue,
	})
	if err != nil {
		return nil, fmt.Errorf("listing tenant namespaces: %w", err)
	}
	out := make([]string, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, list.Items[i].Name)
	}
	return out, nil
}

func (k *KubernetesClient) toUnstructured(sb *Sandbox) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": k.gvr.Group + "/" + k.gvr.Version,
		"kind":       "Sandbox",
		"metadata": map[string]interface{}{
			"name":      sb.Name,
			"namespace": sb.Namespace,
			"labels": map[string]interface{}{
				managedByLabel: managedByValue,
			},
		},
		"spec": map[string]interface{}{
			"image":       sb.Image,
			"replicas":    int64(sb.Replicas),
			"port":        int64(sb.Port),
			"storagePath": sb.StoragePath,
		},
	}}
}

func (k *KubernetesClient) fromUnstructured(obj *unstructured.Unstructured) *Sandbox {
	sb := &Sandbox{
		Namespace: obj.GetNamespace(),
		Name:      obj.GetName(),
	}
	sb.Image, _, _ = unstructured.NestedString(obj.Object, "spec", "image")
	if replicas, ok, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas"); ok {
		sb.Replicas = int32(replicas)
	}
	if port, ok, _ := unstructured.NestedInt64(obj.Object, "spec", "port"); ok {
		sb.Port = int32(port)
	}
	sb.StoragePath, _, _ = unstructured.NestedString(obj.Object, "spec", "storagePath")

	sb.Status.ServiceFQDN, _, _ = unstructured.NestedString(obj.Object, "status", "serviceFQDN")
	if ready, ok, _ := unstructured.NestedInt64(obj.Object, "status", "readyReplicas"); ok {
		sb.Status.ReadyReplicas = int32(ready)
	}
	conditions, _, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	for _, raw := range conditions {
		cm, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		cond := Condition{}
		cond.Type, _ = cm["type"].(string)
		cond.Status, _ = cm["status"].(string)
		cond.Reason, _ = cm["reason"].(string)
		cond.Message, _ = cm["message"].(string)
		sb.Status.Conditions = append(sb.Status.Conditions, cond)
	}
	return sb
}
