package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	executil "k8s.io/client-go/util/exec"

	"github.com/appdraft/preview-api/pkg/dnsname"
)

const (
	devServerName      = "dev-server"
	workspaceDir       = "/workspace"
	filesConfigMapName = "project-files"
	projectAnnotation  = "preview.appdraft.dev/project-id"
)

// KubernetesConfig holds the cluster sandbox backend configuration
type KubernetesConfig struct {
	PreviewDomain   string
	Image           string
	NamespacePrefix string
	DevServerPort   int
}

// Kubernetes provisions one namespace per sandbox: the project files land in
// a ConfigMap, an init container copies them into an emptyDir workspace, and
// the dev-server container idles until StartApplication launches the app.
type Kubernetes struct {
	config     KubernetesConfig
	client     kubernetes.Interface
	restConfig *rest.Config
}

// NewKubernetes connects to the cluster and returns the backend.
func NewKubernetes(cfg KubernetesConfig) (*Kubernetes, error) {
	restCfg, err := clusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return &Kubernetes{
		config:     cfg,
		client:     clientset,
		restConfig: restCfg,
	}, nil
}

// clusterConfig tries in-cluster first, then falls back to local kubeconfig (KUBECONFIG/$HOME/.kube/config)
func clusterConfig() (*rest.Config, error) {
	// in-cluster
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}

	// fallback to kubeconfig
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{},
	).ClientConfig()
}

// Allocate creates the namespace, loads the project files and waits for the
// sandbox pod to come up.
func (k *Kubernetes) Allocate(ctx context.Context, spec AllocSpec) (*Handle, error) {
	namespace := k.newNamespaceName(spec.ProjectID)

	if err := k.createNamespace(ctx, namespace, spec.ProjectID); err != nil {
		return nil, fmt.Errorf("failed to create namespace: %w", err)
	}
	if err := k.createFilesConfigMap(ctx, namespace, spec.Files); err != nil {
		return nil, fmt.Errorf("failed to create files configmap: %w", err)
	}
	if err := k.createDeployment(ctx, namespace, spec.Files); err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}
	if err := k.createService(ctx, namespace); err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	if err := k.waitForPod(ctx, namespace); err != nil {
		return nil, fmt.Errorf("sandbox pod never became ready: %w", err)
	}

	return &Handle{
		ID:   namespace,
		Host: namespace + "." + k.config.PreviewDomain,
	}, nil
}

// InstallDependencies runs the package install inside the sandbox pod.
func (k *Kubernetes) InstallDependencies(ctx context.Context, h *Handle) error {
	result, err := k.podExec(ctx, h.ID, "cd "+workspaceDir+" && "+installCommand)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("install exited with code %d: %s", result.ExitCode, tail(result.Stderr, 500))
	}
	return nil
}

// StartApplication launches the dev server in the background. The container
// keeps running independently of the exec session, so the server survives it.
func (k *Kubernetes) StartApplication(ctx context.Context, h *Handle, startCommand string) (*AppURLs, error) {
	command := fmt.Sprintf("cd %s && nohup %s > %s 2>&1 &", workspaceDir, startCommand, logFile)
	result, err := k.podExec(ctx, h.ID, command)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("start exited with code %d: %s", result.ExitCode, tail(result.Stderr, 500))
	}

	return &AppURLs{
		LocalURL: fmt.Sprintf("http://localhost:%d", k.config.DevServerPort),
		WebURL:   "https://" + h.Host,
	}, nil
}

// Teardown deletes the sandbox namespace and everything in it. A namespace
// that is already gone is not an error.
func (k *Kubernetes) Teardown(ctx context.Context, h *Handle) error {
	err := k.client.CoreV1().Namespaces().Delete(ctx, h.ID, metav1.DeleteOptions{})
	if err != nil && !strings.Contains(err.Error(), "not found") {
		return fmt.Errorf("failed to delete namespace %s: %w", h.ID, err)
	}
	return nil
}

// Exec runs a command in the project workspace of the sandbox pod.
func (k *Kubernetes) Exec(ctx context.Context, h *Handle, command string) (*ExecResult, error) {
	return k.podExec(ctx, h.ID, "cd "+workspaceDir+" && "+command)
}

// newNamespaceName embeds a sanitized project id so operators can tell
// namespaces apart with kubectl; the random suffix keeps retries for the
// same project from colliding.
func (k *Kubernetes) newNamespaceName(projectID string) string {
	suffix := strings.ToLower(lo.RandomString(6, append(lo.LowerCaseLettersCharset, lo.NumbersCharset...)))
	project := dnsname.Truncate(dnsname.Sanitize(projectID), 24)
	return dnsname.Join(k.config.NamespacePrefix, project, suffix)
}

func (k *Kubernetes) createNamespace(ctx context.Context, namespace, projectID string) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: namespace,
			Labels: map[string]string{
				"name": namespace,
			},
			Annotations: map[string]string{
				projectAnnotation: projectID,
			},
		},
	}

	_, err := k.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	// Ignore error if namespace already exists
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

func (k *Kubernetes) createFilesConfigMap(ctx context.Context, namespace string, files []File) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      filesConfigMapName,
			Namespace: namespace,
		},
		Data:       map[string]string{},
		BinaryData: map[string][]byte{},
	}

	// ConfigMap keys cannot contain path separators; the deployment's volume
	// item list maps the flat keys back onto real paths.
	for i, f := range files {
		key := fmt.Sprintf("f%d", i)
		if f.Binary {
			raw, err := base64.StdEncoding.DecodeString(f.Content)
			if err != nil {
				return fmt.Errorf("file %s: invalid base64 content: %w", f.Path, err)
			}
			cm.BinaryData[key] = raw
		} else {
			cm.Data[key] = f.Content
		}
	}

	_, err := k.client.CoreV1().ConfigMaps(namespace).Create(ctx, cm, metav1.CreateOptions{})
	return err
}

func (k *Kubernetes) createDeployment(ctx context.Context, namespace string, files []File) error {
	items := make([]corev1.KeyToPath, len(files))
	for i, f := range files {
		items[i] = corev1.KeyToPath{
			Key:  fmt.Sprintf("f%d", i),
			Path: f.Path,
		}
	}

	// The ConfigMap volume is read-only, so an init container copies the
	// files into an emptyDir the dev server can write to (node_modules,
	// bundler caches, logs).
	podSpec := corev1.PodSpec{
		InitContainers: []corev1.Container{
			{
				Name:    "copy-files",
				Image:   k.config.Image,
				Command: []string{"sh", "-c", "cp -r /files/. " + workspaceDir},
				VolumeMounts: []corev1.VolumeMount{
					{Name: "files", MountPath: "/files"},
					{Name: "workspace", MountPath: workspaceDir},
				},
			},
		},
		Containers: []corev1.Container{
			{
				Name:       devServerName,
				Image:      k.config.Image,
				Command:    []string{"sleep", "infinity"},
				WorkingDir: workspaceDir,
				Env: []corev1.EnvVar{
					{Name: "CI", Value: "1"},
					{Name: "EXPO_NO_TELEMETRY", Value: "1"},
				},
				Ports: []corev1.ContainerPort{
					{ContainerPort: int32(k.config.DevServerPort)},
				},
				VolumeMounts: []corev1.VolumeMount{
					{Name: "workspace", MountPath: workspaceDir},
				},
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("250m"),
						corev1.ResourceMemory: resource.MustParse("512Mi"),
					},
					Limits: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("2"),
						corev1.ResourceMemory: resource.MustParse("2Gi"),
					},
				},
			},
		},
		Volumes: []corev1.Volume{
			{
				Name: "files",
				VolumeSource: corev1.VolumeSource{
					ConfigMap: &corev1.ConfigMapVolumeSource{
						LocalObjectReference: corev1.LocalObjectReference{Name: filesConfigMapName},
						Items:                items,
					},
				},
			},
			{
				Name: "workspace",
				VolumeSource: corev1.VolumeSource{
					EmptyDir: &corev1.EmptyDirVolumeSource{},
				},
			},
		},
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      devServerName,
			Namespace: namespace,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: lo.ToPtr(int32(1)),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{
					"app": devServerName,
				},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"app": devServerName,
					},
					Annotations: map[string]string{
						"cluster-autoscaler.kubernetes.io/safe-to-evict": "true",
					},
				},
				Spec: podSpec,
			},
		},
	}

	_, err := k.client.AppsV1().Deployments(namespace).Create(ctx, deployment, metav1.CreateOptions{})
	return err
}

func (k *Kubernetes) createService(ctx context.Context, namespace string) error {
	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      devServerName,
			Namespace: namespace,
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{
				"app": devServerName,
			},
			Type: corev1.ServiceTypeClusterIP,
			Ports: []corev1.ServicePort{
				{
					Port:       80,
					TargetPort: intstr.FromInt(k.config.DevServerPort),
				},
			},
		},
	}

	_, err := k.client.CoreV1().Services(namespace).Create(ctx, service, metav1.CreateOptions{})
	return err
}

// waitForPod blocks until the sandbox pod is running and ready, or ctx ends.
func (k *Kubernetes) waitForPod(ctx context.Context, namespace string) error {
	return wait.PollUntilContextCancel(ctx, 2*time.Second, true, func(ctx context.Context) (bool, error) {
		pod, err := k.findPod(ctx, namespace)
		if err != nil || pod == nil {
			return false, nil
		}
		if pod.Status.Phase != corev1.PodRunning {
			return false, nil
		}
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				return true, nil
			}
		}
		return false, nil
	})
}

func (k *Kubernetes) findPod(ctx context.Context, namespace string) (*corev1.Pod, error) {
	pods, err := k.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + devServerName,
	})
	if err != nil {
		return nil, err
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	return &pods.Items[0], nil
}

// podExec runs a shell command in the dev-server container over SPDY.
// A non-zero exit code is reported in the result, not as an error.
func (k *Kubernetes) podExec(ctx context.Context, namespace, command string) (*ExecResult, error) {
	pod, err := k.findPod(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to find sandbox pod: %w", err)
	}
	if pod == nil {
		return nil, fmt.Errorf("no %s pod in namespace %s", devServerName, namespace)
	}

	req := k.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod.Name).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: devServerName,
			Command:   []string{"sh", "-c", command},
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(k.restConfig, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})

	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr executil.CodeExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.Code
			return result, nil
		}
		return result, fmt.Errorf("exec failed: %w", err)
	}
	return result, nil
}
