package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/Will-Luck/Docker-Sentinel/internal/auth"
	"github.com/Will-Luck/Docker-Sentinel/internal/registry"
)

// withAuth copies the request's authentication context into page data.
func (s *Server) withAuth(r *http.Request, data *pageData) {
	ad := s.getAuthData(r)
	data.CurrentUser = ad.CurrentUser
	data.AuthEnabled = ad.AuthEnabled
	data.CSRFToken = ad.CSRFToken
	data.ShowSecurityTab = !ad.AuthEnabled || (ad.CurrentUser != nil && ad.CurrentUser.RoleID == auth.RoleAdminID)
}

// withCluster marks whether cluster mode is active so templates can show
// the cluster navigation entry and host tabs.
func (s *Server) withCluster(data *pageData) {
	data.ClusterEnabled = s.deps.Cluster != nil && s.deps.Cluster.Enabled()
}

// withPortainer marks whether the Portainer integration is configured.
func (s *Server) withPortainer(data *pageData) {
	data.PortainerEnabled = s.deps.Portainer != nil
}

// buildContainerView assembles the display row for one container, shared by
// the dashboard, the detail page, and the HTMX row refresh endpoint.
func (s *Server) buildContainerView(c ContainerSummary, pendingNames map[string]bool) containerView {
	name := containerName(c)

	maintenance, _ := s.deps.Store.GetMaintenance(name)

	policy := containerPolicy(c.Labels)
	if s.deps.Policy != nil {
		if p, ok := s.deps.Policy.GetPolicyOverride(name); ok {
			policy = p
		}
	}

	tag := registry.ExtractTag(c.Image)
	if tag == "" {
		if idx := strings.LastIndex(c.Image, "/"); idx >= 0 {
			tag = c.Image[idx+1:]
		} else {
			tag = c.Image
		}
	}

	var newestVersion string
	if pending, ok := s.deps.Queue.Get(name); ok && len(pending.NewerVersions) > 0 {
		newestVersion = pending.NewerVersions[0]
	}

	var resolved string
	if _, isSemver := registry.ParseSemVer(tag); !isSemver {
		if v := c.Labels["org.opencontainers.image.version"]; v != "" && v != tag {
			resolved = v
		}
	}

	return containerView{
		ID:              c.ID,
		Name:            name,
		Image:           c.Image,
		Tag:             tag,
		ResolvedVersion: resolved,
		NewestVersion:   newestVersion,
		Policy:          policy,
		State:           c.State,
		Maintenance:     maintenance,
		HasUpdate:       pendingNames[name],
		DigestOnly:      pendingNames[name] && newestVersion == "",
		IsSelf:          c.Labels["sentinel.self"] == "true",
		Stack:           c.Labels["com.docker.compose.project"],
		Registry:        registry.RegistryHost(c.Image),
	}
}

// pendingKeys builds the "update available" lookup from the queue.
func (s *Server) pendingKeys() map[string]bool {
	pending := make(map[string]bool)
	for _, p := range s.deps.Queue.List() {
		pending[p.Key()] = true
	}
	return pending
}

// handleContainerDetail renders the per-container detail page.
func (s *Server) handleContainerDetail(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.NotFound(w, r)
		return
	}

	containers, err := s.deps.Docker.ListAllContainers(r.Context())
	if err != nil {
		s.deps.Log.Error("failed to list containers", "error", err)
		http.Error(w, "failed to load container", http.StatusInternalServerError)
		return
	}

	pending := s.pendingKeys()
	for _, c := range containers {
		if containerName(c) != name {
			continue
		}
		data := pageData{
			Page:       "container",
			Containers: []containerView{s.buildContainerView(c, pending)},
			History:    nil,
			QueueCount: len(s.deps.Queue.List()),
		}
		if records, err := s.deps.Store.ListHistoryByContainer(name, 50); err == nil {
			data.History = records
		}
		s.withAuth(r, &data)
		s.withCluster(&data)
		s.withPortainer(&data)
		s.renderTemplate(w, "container.html", data)
		return
	}

	http.NotFound(w, r)
}

// handleContainerRow returns the refreshed dashboard row for one container,
// used by the frontend to update a single row after an action without a
// full page reload.
func (s *Server) handleContainerRow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.NotFound(w, r)
		return
	}

	containers, err := s.deps.Docker.ListAllContainers(r.Context())
	if err != nil {
		http.Error(w, "failed to load container", http.StatusInternalServerError)
		return
	}

	pending := s.pendingKeys()
	for _, c := range containers {
		if containerName(c) == name {
			s.renderTemplate(w, "container_row.html", s.buildContainerView(c, pending))
			return
		}
	}
	http.NotFound(w, r)
}

// handleDashboardStats returns the headline counters the dashboard polls.
func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	containers, err := s.deps.Docker.ListAllContainers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list containers")
		return
	}

	running := 0
	for _, c := range containers {
		if c.State == "running" {
			running++
		}
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"total":   len(containers),
		"running": running,
		"pending": len(s.deps.Queue.List()),
	})
}

// handleServiceDetail renders the per-service detail page for Swarm services.
func (s *Server) handleServiceDetail(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.NotFound(w, r)
		return
	}
	if s.deps.Swarm == nil || !s.deps.Swarm.IsSwarmMode() {
		http.NotFound(w, r)
		return
	}

	details, err := s.deps.Swarm.ListServiceDetail(r.Context())
	if err != nil {
		s.deps.Log.Error("failed to list services", "error", err)
		http.Error(w, "failed to load service", http.StatusInternalServerError)
		return
	}

	pending := s.pendingKeys()
	for _, d := range details {
		if d.Name != name {
			continue
		}
		data := pageData{
			Page:          "service",
			SwarmServices: []serviceView{s.buildServiceView(d, pending)},
			QueueCount:    len(s.deps.Queue.List()),
			HasSwarm:      true,
		}
		if records, err := s.deps.Store.ListHistoryByContainer(name, 50); err == nil {
			data.History = records
		}
		s.withAuth(r, &data)
		s.withCluster(&data)
		s.withPortainer(&data)
		s.renderTemplate(w, "service.html", data)
		return
	}

	http.NotFound(w, r)
}

// handleCluster renders the agent fleet management page.
func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	data := pageData{
		Page:          "cluster",
		QueueCount:    len(s.deps.Queue.List()),
		ServerVersion: s.deps.Version,
		ClusterPort:   s.deps.ClusterPort,
	}

	// Strip the "(commit)" suffix so enrollment snippets reference a
	// pullable image tag.
	data.ImageTag = data.ServerVersion
	if idx := strings.Index(data.ImageTag, " ("); idx >= 0 {
		data.ImageTag = data.ImageTag[:idx]
	}

	if s.deps.Cluster != nil && s.deps.Cluster.Enabled() {
		data.ClusterHosts = s.deps.Cluster.AllHosts()
		for _, h := range data.ClusterHosts {
			if h.Connected {
				data.ClusterConnectedCount++
			}
			data.ClusterContainerCount += h.Containers
		}
	}

	s.withAuth(r, &data)
	s.withCluster(&data)
	s.withPortainer(&data)
	s.renderTemplate(w, "cluster.html", data)
}

// handleSettings renders the settings page with the effective configuration
// (environment values overlaid with runtime settings from the database).
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	values := s.deps.Config.Values()
	if s.deps.SettingsStore != nil {
		if dbSettings, err := s.deps.SettingsStore.GetAllSettings(); err == nil {
			for k, v := range dbSettings {
				values[k] = v
			}
		}
	}

	data := pageData{
		Page:       "settings",
		Settings:   values,
		QueueCount: len(s.deps.Queue.List()),
	}
	s.withAuth(r, &data)
	s.withCluster(&data)
	s.withPortainer(&data)
	s.renderTemplate(w, "settings.html", data)
}

// handleLogs renders the event log page.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	data := pageData{
		Page:       "logs",
		QueueCount: len(s.deps.Queue.List()),
	}
	if s.deps.EventLog != nil {
		if logs, err := s.deps.EventLog.ListLogs(200); err == nil {
			data.Logs = logs
		}
	}
	s.withAuth(r, &data)
	s.withCluster(&data)
	s.withPortainer(&data)
	s.renderTemplate(w, "logs.html", data)
}

// apiLogs returns the persisted event log as JSON, newest first.
func (s *Server) apiLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.EventLog == nil {
		writeJSON(w, http.StatusOK, map[string]any{"logs": []LogEntry{}})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	logs, err := s.deps.EventLog.ListLogs(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load logs")
		return
	}
	if logs == nil {
		logs = []LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
